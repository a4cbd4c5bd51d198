package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/protocol"
)

// triggerFlags binds the trigger fields to command flags
func triggerFlags(cmd *cobra.Command, t *protocol.Trigger) {
	flags := cmd.Flags()
	flags.StringVar(&t.SourceURI, "source", "", "source base URI, e.g. s3://raw-bucket/events/")
	flags.StringVar(&t.DestinationURI, "dest", "", "destination base URI, e.g. s3://compacted-bucket/events/")
	flags.StringVar(&t.DateFormat, "format", "%Y/%m/%d/", "date format of the partition prefixes")
	flags.IntVar(&t.Duration, "days", 1, "number of days before today to compact")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
}

func newRunCmd(a *app) *cobra.Command {
	var (
		trigger protocol.Trigger
		record  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compact every day of the window and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			// --mode on the root overrides the config; the trigger inherits it
			trigger.Mode = a.cfg.Compaction.Mode
			return a.run(cmd.Context(), cmd.OutOrStdout(), trigger, record)
		},
	}
	triggerFlags(cmd, &trigger)
	cmd.Flags().BoolVar(&record, "record", false, "record the report in the run ledger")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, trigger protocol.Trigger, record bool) error {
	st, err := buildStack(a.log, a.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	r, err := st.orch.Run(ctx, trigger)
	if err != nil {
		return err
	}

	if record {
		ldg, err := openLedger(a.log, a.cfg.Ledger)
		if err != nil {
			return err
		}
		if err := ldg.Record(ctx, r); err != nil {
			a.log.Error("failed to record run", zap.String("run", r.RunID), zap.Error(err))
		}
		if err := ldg.Close(); err != nil {
			a.log.Warn("failed to close ledger", zap.Error(err))
		}
	}

	if err := writeJSON(out, protocol.NewRunResponse(r)); err != nil {
		return err
	}
	if !r.Clean() {
		return fmt.Errorf("%d of %d partitions failed", r.Failed, len(r.Outcomes))
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
