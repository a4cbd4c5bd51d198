// Command tinycompact merges small time-partitioned objects into one object
// per day, either as a one-shot CLI run or as an HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/config"
)

// app holds state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	dev        bool

	// overrides applied on top of the config file
	storeBackend  string
	storeEndpoint string
	storeRoot     string
	ledgerBackend string
	ledgerPath    string
	mode          string
	concurrency   int
	workers       []string

	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "tinycompact",
		Short:         "Compact small daily objects in an object store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "tinycompact.yaml", "path to the YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&a.dev, "log-dev", false, "human readable development logging")
	flags.StringVar(&a.storeBackend, "store", "", "object store backend (s3, local, memory)")
	flags.StringVar(&a.storeEndpoint, "endpoint", "", "S3-compatible endpoint host[:port]")
	flags.StringVar(&a.storeRoot, "store-root", "", "root directory for the local backend")
	flags.StringVar(&a.ledgerBackend, "ledger", "", "run ledger backend (badger, memory)")
	flags.StringVar(&a.ledgerPath, "ledger-path", "", "directory of the badger ledger")
	flags.StringVar(&a.mode, "mode", "", "orchestration mode (sequential, scatter)")
	flags.IntVar(&a.concurrency, "max-concurrency", 0, "scatter-gather concurrency ceiling")
	flags.StringSliceVar(&a.workers, "workers", nil, "remote compaction workers (base URLs)")

	root.AddCommand(
		newRunCmd(a),
		newDiscoverCmd(a),
		newUnitCmd(a),
		newServeCmd(a),
		newSeedCmd(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger
func (a *app) setup(cmd *cobra.Command) error {
	bootstrap, err := newLogger(config.LogConfig{Level: config.DefaultLogLevel})
	if err != nil {
		return err
	}

	cfg, err := config.Load(bootstrap, a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-dev") {
		cfg.Log.Development = a.dev
	}
	if flags.Changed("store") {
		cfg.Store.Backend = a.storeBackend
	}
	if flags.Changed("endpoint") {
		cfg.Store.Endpoint = a.storeEndpoint
	}
	if flags.Changed("store-root") {
		cfg.Store.Root = a.storeRoot
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Backend = a.ledgerBackend
	}
	if flags.Changed("ledger-path") {
		cfg.Ledger.Path = a.ledgerPath
	}
	if flags.Changed("mode") {
		cfg.Compaction.Mode = a.mode
	}
	if flags.Changed("max-concurrency") {
		cfg.Compaction.MaxConcurrency = a.concurrency
	}
	if flags.Changed("workers") {
		cfg.Compaction.Workers = a.workers
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	a.cfg = cfg
	a.log = log
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
