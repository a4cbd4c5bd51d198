// Package ledgertest holds behaviour tests shared by every ledger backend.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/ledger"
	"github.com/nicktill/tinycompact/pkg/report"
)

// Run exercises l. The ledger must start empty.
func Run(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id string, offset time.Duration, failed bool) report.Report {
		status := compaction.StatusMerged
		if failed {
			status = compaction.StatusFailed
		}
		r := report.Report{
			RunID:      id,
			Mode:       "scatter",
			StartedAt:  base.Add(offset),
			FinishedAt: base.Add(offset + time.Second),
			Outcomes:   []compaction.Outcome{{Status: status, MergedBytes: 10, Attempts: 1}},
		}
		r.Tally()
		return r
	}

	t.Run("RecordAndGet", func(t *testing.T) {
		require.NoError(t, l.Record(ctx, mk("run-a", 0, false)))

		got, err := l.Get(ctx, "run-a")
		require.NoError(t, err)
		require.Equal(t, "run-a", got.RunID)
		require.Equal(t, 1, got.Merged)
		require.True(t, got.StartedAt.Equal(base))
		require.Len(t, got.Outcomes, 1)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := l.Get(ctx, "missing")
		require.True(t, ledger.ErrNotFound.Has(err), "got %v", err)
	})

	t.Run("RejectsEmptyID", func(t *testing.T) {
		require.Error(t, l.Record(ctx, report.Report{}))
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		require.NoError(t, l.Record(ctx, mk("run-b", time.Hour, true)))
		require.NoError(t, l.Record(ctx, mk("run-c", 2*time.Hour, false)))

		all, err := l.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "run-c", all[0].RunID)
		require.Equal(t, "run-b", all[1].RunID)
		require.Equal(t, "run-a", all[2].RunID)
		require.Equal(t, 1, all[1].Failed)

		limited, err := l.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
	})

	t.Run("RecordReplaces", func(t *testing.T) {
		updated := mk("run-a", 3*time.Hour, true)
		require.NoError(t, l.Record(ctx, updated))

		all, err := l.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "run-a", all[0].RunID)

		got, err := l.Get(ctx, "run-a")
		require.NoError(t, err)
		require.Equal(t, 1, got.Failed)
	})

	t.Run("Prune", func(t *testing.T) {
		// run-b (1h) and run-c (2h) are older than the cutoff, run-a (3h) is not
		n, err := l.Prune(ctx, base.Add(150*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		all, err := l.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, "run-a", all[0].RunID)

		_, err = l.Get(ctx, "run-b")
		require.True(t, ledger.ErrNotFound.Has(err))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		require.Error(t, l.Record(cctx, mk("run-d", 0, false)))
	})
}
