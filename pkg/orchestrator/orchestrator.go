package orchestrator

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/common/sync2"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/protocol"
	"github.com/nicktill/tinycompact/pkg/report"
)

var (
	mon = monkit.Package()

	// Error is the default orchestrator errs class.
	Error = errs.Class("orchestrator")
)

// abandonGrace is how long an executor may take to return after its context
// is done
const abandonGrace = time.Second

// Orchestration modes
const (
	ModeSequential    = "sequential"
	ModeScatterGather = "scatter"
)

// Executor compacts one partition. *compaction.Compactor runs it in process,
// *protocol.HTTPDispatcher hands it to a remote worker.
//
// Compact must return promptly once ctx is done. An executor that does not is
// abandoned: its partition is recorded as timed out and the call is left to
// finish in the background.
type Executor interface {
	Compact(ctx context.Context, part partition.Partition) compaction.Outcome
}

// Config controls how partitions are driven
type Config struct {
	Mode           string
	MaxConcurrency int
	UnitTimeout    time.Duration // per attempt, scatter-gather
	RunTimeout     time.Duration // whole run, sequential
	Retry          protocol.RetryPolicy
}

// OutcomeFunc observes outcomes as they are produced. It is called from
// worker goroutines and must be safe for concurrent use.
type OutcomeFunc func(runID string, out compaction.Outcome)

// Orchestrator drives a compactor over every partition of a trigger
type Orchestrator struct {
	log         *zap.Logger
	partitioner *partition.Partitioner
	exec        Executor
	cfg         Config

	mu        sync.Mutex
	observers []OutcomeFunc
}

// New creates an orchestrator
func New(log *zap.Logger, partitioner *partition.Partitioner, exec Executor, cfg Config) *Orchestrator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Orchestrator{
		log:         log,
		partitioner: partitioner,
		exec:        exec,
		cfg:         cfg,
	}
}

// OnOutcome registers an observer
func (o *Orchestrator) OnOutcome(fn OutcomeFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

func (o *Orchestrator) notify(runID string, out compaction.Outcome) {
	o.mu.Lock()
	observers := slices.Clone(o.observers)
	o.mu.Unlock()

	for _, fn := range observers {
		fn(runID, out)
	}
}

// Discover expands a trigger into its partitions without touching the store
func (o *Orchestrator) Discover(trigger protocol.Trigger) ([]partition.Partition, error) {
	seq, err := o.partitioner.Generate(trigger.Duration, trigger.DateFormat, trigger.SourceURI, trigger.DestinationURI)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Run compacts every partition of the trigger. Configuration errors are
// returned before anything is dispatched; per-partition failures are only
// reported in the Report.
func (o *Orchestrator) Run(ctx context.Context, trigger protocol.Trigger) (_ report.Report, err error) {
	defer mon.Task()(&ctx)(&err)

	mode := trigger.Mode
	if mode == "" {
		mode = o.cfg.Mode
	}
	if mode != ModeSequential && mode != ModeScatterGather {
		return report.Report{}, Error.New("unknown mode %q", mode)
	}

	seq, err := o.partitioner.Generate(trigger.Duration, trigger.DateFormat, trigger.SourceURI, trigger.DestinationURI)
	if err != nil {
		return report.Report{}, err
	}

	r := report.Report{
		RunID:          uuid.NewString(),
		Mode:           mode,
		SourceURI:      trigger.SourceURI,
		DestinationURI: trigger.DestinationURI,
		DateFormat:     trigger.DateFormat,
		WindowDays:     trigger.Duration,
		StartedAt:      time.Now(),
	}

	log := o.log.With(zap.String("run", r.RunID), zap.String("mode", mode))
	log.Info("compaction run started",
		zap.String("source", trigger.SourceURI),
		zap.String("destination", trigger.DestinationURI),
		zap.Int("days", trigger.Duration))

	if mode == ModeSequential {
		r.Outcomes = o.runSequential(ctx, log, r.RunID, seq)
	} else {
		r.Outcomes = o.runScatterGather(ctx, log, r.RunID, slices.Collect(seq))
	}

	r.FinishedAt = time.Now()
	r.Tally()

	log.Info("compaction run finished",
		zap.Int("partitions", len(r.Outcomes)),
		zap.Int("merged", r.Merged),
		zap.Int("empty", r.Empty),
		zap.Int("failed", r.Failed),
		zap.Duration("duration", r.Duration()))
	if !r.Clean() {
		mon.Counter("runs_with_failures").Inc(1)
	}

	return r, nil
}

// runSequential processes partitions oldest first under one run timeout.
// Once the timeout fires, the partition in progress is abandoned and every
// partition not yet started is recorded as timed out.
func (o *Orchestrator) runSequential(ctx context.Context, log *zap.Logger, runID string, seq iter.Seq[partition.Partition]) []compaction.Outcome {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	var outcomes []compaction.Outcome
	for part := range seq {
		var out compaction.Outcome
		if err := ctx.Err(); err != nil {
			out = compaction.Failed(part, compaction.ErrTimeout.New("run timed out before %s started", part.DateKey))
		} else {
			out = o.call(ctx, log, part)
		}

		if !out.OK() {
			log.Warn("partition failed, continuing",
				zap.String("date", part.DateKey),
				zap.String("kind", string(out.ErrorKind)),
				zap.String("error", out.Error))
		}
		outcomes = append(outcomes, out)
		o.notify(runID, out)
	}
	return outcomes
}

// runScatterGather dispatches every partition to a bounded pool. Each unit
// retries transient failures on its own; siblings are never affected.
func (o *Orchestrator) runScatterGather(ctx context.Context, log *zap.Logger, runID string, parts []partition.Partition) []compaction.Outcome {
	outcomes := make([]compaction.Outcome, len(parts))

	limiter := sync2.NewLimiter(o.cfg.MaxConcurrency)
	for i, part := range parts {
		started := limiter.Go(ctx, func() {
			out := o.runUnit(ctx, log, part)
			outcomes[i] = out
			o.notify(runID, out)
		})
		if !started {
			out := compaction.Failed(part, compaction.ErrTimeout.Wrap(ctx.Err()))
			outcomes[i] = out
			o.notify(runID, out)
		}
	}
	limiter.Wait()

	return outcomes
}

// runUnit executes one partition with the retry policy. Every attempt gets
// its own timeout; a timed-out attempt is not retried.
func (o *Orchestrator) runUnit(ctx context.Context, log *zap.Logger, part partition.Partition) compaction.Outcome {
	started := time.Now()

	var out compaction.Outcome
	for attempt := 1; ; attempt++ {
		out = o.attempt(ctx, log, part)
		out.Attempts = attempt

		if !o.cfg.Retry.ShouldRetry(out) {
			break
		}

		delay := o.cfg.Retry.Delay(attempt)
		log.Info("retrying partition",
			zap.String("date", part.DateKey),
			zap.Int("attempt", attempt),
			zap.String("error_type", out.ErrorType),
			zap.Duration("delay", delay))
		mon.Counter("unit_retries").Inc(1)

		if !sync2.Sleep(ctx, delay) {
			break
		}
	}

	out.Duration = time.Since(started)
	return out
}

func (o *Orchestrator) attempt(ctx context.Context, log *zap.Logger, part partition.Partition) compaction.Outcome {
	if o.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.UnitTimeout)
		defer cancel()
	}
	return o.call(ctx, log, part)
}

// call runs the executor but stops waiting for it once ctx is done
func (o *Orchestrator) call(ctx context.Context, log *zap.Logger, part partition.Partition) compaction.Outcome {
	done := make(chan compaction.Outcome, 1)
	go func() { done <- o.exec.Compact(ctx, part) }()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
	}

	// give a cooperative executor the chance to report its own outcome
	select {
	case out := <-done:
		return out
	case <-time.After(abandonGrace):
	}

	log.Warn("executor ignored cancellation, abandoning partition", zap.String("date", part.DateKey))
	mon.Counter("units_abandoned").Inc(1)
	return compaction.Failed(part, compaction.ErrTimeout.New("%s: executor did not stop: %v", part.DateKey, ctx.Err()))
}
