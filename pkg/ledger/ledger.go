// Package ledger records the report of every compaction run so that results
// can be inspected and exported after the fact.
package ledger

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/nicktill/tinycompact/pkg/report"
)

var (
	// Error is the default ledger errs class.
	Error = errs.Class("ledger")

	// ErrNotFound is returned for unknown run IDs.
	ErrNotFound = errs.Class("run not found")
)

// Ledger stores run reports.
// Implementations: memory (testing), badger (durable)
type Ledger interface {
	// Record stores r, replacing any report with the same RunID
	Record(ctx context.Context, r report.Report) error

	// Get returns the report of one run
	Get(ctx context.Context, runID string) (report.Report, error)

	// List returns up to limit run summaries, newest first (0 = all)
	List(ctx context.Context, limit int) ([]report.Summary, error)

	// Prune removes runs that started before cutoff and returns how many
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases resources
	Close() error
}
