package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinycompact/pkg/ledger"
	"github.com/nicktill/tinycompact/pkg/report"
)

// Ledger keeps reports in memory. Data is lost on restart.
type Ledger struct {
	mu   sync.RWMutex
	runs map[string]report.Report
}

// New creates an in-memory ledger
func New() *Ledger {
	return &Ledger{runs: make(map[string]report.Report)}
}

func (l *Ledger) Record(ctx context.Context, r report.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.RunID == "" {
		return ledger.Error.New("report has no run ID")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[r.RunID] = r
	return nil
}

func (l *Ledger) Get(ctx context.Context, runID string) (report.Report, error) {
	if err := ctx.Err(); err != nil {
		return report.Report{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.runs[runID]
	if !ok {
		return report.Report{}, ledger.ErrNotFound.New("%s", runID)
	}
	return r, nil
}

func (l *Ledger) List(ctx context.Context, limit int) ([]report.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	summaries := make([]report.Summary, 0, len(l.runs))
	for _, r := range l.runs {
		summaries = append(summaries, r.Summarize())
	}
	l.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var pruned int
	for id, r := range l.runs {
		if r.StartedAt.Before(cutoff) {
			delete(l.runs, id)
			pruned++
		}
	}
	return pruned, nil
}

func (l *Ledger) Close() error {
	return nil
}
