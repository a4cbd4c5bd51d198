package main

import (
	"github.com/spf13/cobra"

	"github.com/nicktill/tinycompact/pkg/seed"
	"github.com/nicktill/tinycompact/pkg/storage"
)

func newSeedCmd(a *app) *cobra.Command {
	var (
		target string
		cfg    seed.Config
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write synthetic JSON-lines test objects under random daily prefixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := storage.ParseURI(target)
			if err != nil {
				return err
			}

			store, err := openStore(a.log, a.cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			res, err := seed.Generate(cmd.Context(), a.log, store, base, cfg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&target, "target", "", "base URI to seed, e.g. s3://raw-bucket/events/")
	flags.IntVar(&cfg.Files, "files", 100, "number of objects to write")
	flags.IntVar(&cfg.RowsPerFile, "rows", 1000, "JSON lines per object")
	flags.IntVar(&cfg.WindowDays, "days", 7, "spread objects over this many days before today")
	flags.StringVar(&cfg.DateFormat, "format", "%Y/%m/%d/", "date format of the prefixes")
	flags.Uint64Var(&cfg.Seed, "seed", 0, "random seed (0 = random)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
