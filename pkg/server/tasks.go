package server

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"storj.io/common/sync2"

	"github.com/nicktill/tinycompact/pkg/config"
	"github.com/nicktill/tinycompact/pkg/ledger"
	"github.com/nicktill/tinycompact/pkg/protocol"
)

// garbageCollector is implemented by ledgers with a value log to reclaim.
type garbageCollector interface {
	RunGC(discardRatio float64) error
}

// LedgerChore reclaims ledger disk space and prunes run reports older than
// the retention period.
type LedgerChore struct {
	log       *zap.Logger
	ledger    ledger.Ledger
	retention time.Duration
	nowFn     func() time.Time

	GC    *sync2.Cycle
	Prune *sync2.Cycle
}

// NewLedgerChore creates a ledger chore. A zero retention keeps reports forever.
func NewLedgerChore(log *zap.Logger, ldg ledger.Ledger, retention time.Duration) *LedgerChore {
	return &LedgerChore{
		log:       log,
		ledger:    ldg,
		retention: retention,
		nowFn:     time.Now,
		GC:        sync2.NewCycle(config.LedgerGCInterval),
		Prune:     sync2.NewCycle(config.LedgerPruneInterval),
	}
}

// Run runs both loops until ctx is done. Cancel ctx to stop the chore.
func (chore *LedgerChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group
	if gc, ok := chore.ledger.(garbageCollector); ok {
		group.Go(func() error {
			return chore.GC.Run(ctx, func(ctx context.Context) error {
				chore.collect(gc)
				return nil
			})
		})
	} else {
		chore.log.Debug("ledger has no value log, skipping GC")
	}

	if chore.retention > 0 {
		group.Go(func() error {
			return chore.Prune.Run(ctx, func(ctx context.Context) error {
				_, _ = chore.prune(ctx)
				return nil
			})
		})
	}

	return group.Wait()
}

func (chore *LedgerChore) collect(gc garbageCollector) {
	start := time.Now()
	err := gc.RunGC(config.LedgerGCDiscardRatio)
	switch {
	case errors.Is(err, badger.ErrNoRewrite):
		chore.log.Debug("ledger GC found nothing to rewrite", zap.Duration("took", time.Since(start)))
	case err != nil:
		chore.log.Warn("ledger GC failed", zap.Error(err))
	default:
		chore.log.Info("ledger GC reclaimed space", zap.Duration("took", time.Since(start)))
	}
}

func (chore *LedgerChore) prune(ctx context.Context) (n int, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := chore.nowFn().Add(-chore.retention)
	n, err = chore.ledger.Prune(ctx, cutoff)
	if err != nil {
		chore.log.Warn("ledger prune failed", zap.Error(err))
		return 0, err
	}
	return n, nil
}

// ScheduleChore triggers a run on a fixed interval, the in-process
// equivalent of an external cron trigger.
type ScheduleChore struct {
	log     *zap.Logger
	server  *Server
	trigger protocol.Trigger

	Loop *sync2.Cycle
}

// NewScheduleChore creates a schedule chore
func NewScheduleChore(log *zap.Logger, server *Server, trigger protocol.Trigger, interval time.Duration) *ScheduleChore {
	return &ScheduleChore{
		log:     log,
		server:  server,
		trigger: trigger,
		Loop:    sync2.NewCycle(interval),
	}
}

// Run triggers a run immediately and then once per interval
func (chore *ScheduleChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		r, err := chore.server.Run(ctx, chore.trigger)
		if err != nil {
			// a bad trigger will never succeed
			chore.log.Error("scheduled run rejected", zap.Error(err))
			return err
		}
		chore.log.Info("scheduled run finished",
			zap.String("run", r.RunID),
			zap.String("result", r.Message()))
		return nil
	})
}
