package badger

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinycompact/pkg/ledger/ledgertest"
	"github.com/nicktill/tinycompact/pkg/report"
)

func TestBadgerLedger(t *testing.T) {
	l, err := New(zaptest.NewLogger(t), Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	defer l.Close()

	ledgertest.Run(t, l)
}

func TestBadgerLedger_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := New(zaptest.NewLogger(t), Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}

	r := report.Report{RunID: "persisted", Mode: "sequential", StartedAt: time.Now()}
	if err := l.Record(ctx, r); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen and verify the run survived
	l, err = New(zaptest.NewLogger(t), Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to reopen ledger: %v", err)
	}
	defer l.Close()

	got, err := l.Get(ctx, "persisted")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Mode != "sequential" {
		t.Errorf("Expected mode sequential, got %q", got.Mode)
	}
}

func TestRunKeyOrdering(t *testing.T) {
	older := runKey(time.Unix(100, 0), "a")
	newer := runKey(time.Unix(200, 0), "b")

	if string(newer) >= string(older) {
		t.Error("Newer runs must sort before older runs")
	}
	if got := started(older); !got.Equal(time.Unix(100, 0)) {
		t.Errorf("Expected start time 100s, got %v", got)
	}
}
