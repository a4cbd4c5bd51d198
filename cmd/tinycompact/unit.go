package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinycompact/pkg/protocol"
)

func newUnitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unit",
		Short: "Compact one partition read from stdin as {\"src\":...,\"dest\":...}",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var unit protocol.Unit
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&unit); err != nil {
				return fmt.Errorf("invalid unit: %w", err)
			}

			st, err := buildStack(a.log, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()
			if timeout := a.cfg.Compaction.UnitTimeout; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			// Always in process, even when workers are configured
			resp := protocol.NewUnitResponse(st.compactor.Compact(ctx, unit.Partition()))
			if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.StatusCode != 200 {
				return fmt.Errorf("unit failed: %s", resp.ErrorType)
			}
			return nil
		},
	}
}
