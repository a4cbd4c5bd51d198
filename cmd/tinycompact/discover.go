package main

import (
	"github.com/spf13/cobra"

	"github.com/nicktill/tinycompact/pkg/protocol"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var trigger protocol.Trigger

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the partitions of a window without touching the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack(a.log, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			parts, err := st.orch.Discover(trigger)
			if err != nil {
				return err
			}

			resp := protocol.DiscoveryResponse{Partitions: make([]protocol.Unit, 0, len(parts))}
			for _, part := range parts {
				resp.Partitions = append(resp.Partitions, protocol.UnitFromPartition(part))
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	triggerFlags(cmd, &trigger)
	return cmd
}
