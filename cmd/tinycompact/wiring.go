package main

import (
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/config"
	"github.com/nicktill/tinycompact/pkg/ledger"
	badgerledger "github.com/nicktill/tinycompact/pkg/ledger/badger"
	memledger "github.com/nicktill/tinycompact/pkg/ledger/memory"
	"github.com/nicktill/tinycompact/pkg/orchestrator"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/protocol"
	"github.com/nicktill/tinycompact/pkg/storage"
	"github.com/nicktill/tinycompact/pkg/storage/local"
	"github.com/nicktill/tinycompact/pkg/storage/memory"
	"github.com/nicktill/tinycompact/pkg/storage/s3"
)

// stack is everything needed to compact partitions
type stack struct {
	store     storage.ObjectStore
	compactor *compaction.Compactor
	exec      orchestrator.Executor
	orch      *orchestrator.Orchestrator
}

func (s *stack) Close() error {
	return s.store.Close()
}

// buildStack wires a store, a compactor and an orchestrator from cfg. With
// workers configured, scatter-gather units are sent to them over HTTP.
func buildStack(log *zap.Logger, cfg config.Config) (*stack, error) {
	store, err := openStore(log, cfg.Store)
	if err != nil {
		return nil, err
	}

	cc := cfg.Compaction
	compactor := compaction.New(log.Named("compactor"), store, compaction.Config{
		ScratchDir:      cc.ScratchDir,
		OutputExtension: cc.OutputExtension,
		ScratchCeiling:  cc.ScratchCeilingMB << 20,
	})

	var exec orchestrator.Executor = compactor
	if len(cc.Workers) > 0 {
		dispatcher, err := protocol.NewHTTPDispatcher(log.Named("dispatcher"), cc.Workers, cc.RemoteTimeout())
		if err != nil {
			return nil, errs.Combine(err, store.Close())
		}
		exec = dispatcher
		log.Info("dispatching units to remote workers", zap.Strings("workers", cc.Workers))
	}

	orch := orchestrator.New(log.Named("orchestrator"), partition.New(nil), exec, orchestrator.Config{
		Mode:           cc.Mode,
		MaxConcurrency: cc.MaxConcurrency,
		UnitTimeout:    cc.UnitTimeout,
		RunTimeout:     cc.RunTimeout,
		Retry:          retryPolicy(cc),
	})

	return &stack{store: store, compactor: compactor, exec: exec, orch: orch}, nil
}

func retryPolicy(cc config.CompactionConfig) protocol.RetryPolicy {
	p := protocol.DefaultRetryPolicy()
	p.IntervalSeconds = cc.RetryInterval.Seconds()
	p.MaxAttempts = cc.RetryMaxAttempts
	p.BackoffRate = cc.RetryBackoffRate
	return p
}

func openStore(log *zap.Logger, cfg config.StoreConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return s3.New(log.Named("s3"), s3.Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Insecure:  cfg.Insecure,
			PageSize:  cfg.PageSize,
		})
	case config.BackendLocal:
		return local.New(local.Config{Root: cfg.Root, PageSize: cfg.PageSize})
	case config.BackendMemory:
		log.Warn("using in-memory object store, data is lost on exit")
		return memory.NewWithPageSize(cfg.PageSize), nil
	}
	return nil, errs.New("unknown store backend %q", cfg.Backend)
}

func openLedger(log *zap.Logger, cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Backend {
	case config.LedgerBadger:
		start := time.Now()
		l, err := badgerledger.New(log.Named("ledger"), badgerledger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		log.Info("run ledger opened", zap.String("path", cfg.Path), zap.Duration("took", time.Since(start)))
		return l, nil
	case config.LedgerMemory:
		return memledger.New(), nil
	}
	return nil, errs.New("unknown ledger backend %q", cfg.Backend)
}
