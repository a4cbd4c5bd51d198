package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/ledger"
	"github.com/nicktill/tinycompact/pkg/report"
)

// Key layout:
//
//	r | ^started (8 bytes) | xxhash(run ID) (8 bytes)  -> report JSON
//	i | xxhash(run ID) (8 bytes)                       -> run key
//
// Start times are stored inverted so a forward scan over the r prefix yields
// the newest run first.
var (
	runPrefix   = []byte("r")
	indexPrefix = []byte("i")
)

// Ledger implements ledger.Ledger using BadgerDB
type Ledger struct {
	log *zap.Logger
	db  *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default)
	MaxMemoryMB int64
}

// New opens a BadgerDB ledger
func New(log *zap.Logger, cfg Config) (*Ledger, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Reports are small and written once per run; a 16 MB memtable is plenty
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	// Badger's caches are unbounded unless sized explicitly
	opts = opts.
		WithLogger(zapLogger{log.Named("badger").Sugar()}).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, ledger.Error.New("failed to open badger: %v", err)
	}

	return &Ledger{log: log, db: db}, nil
}

// Record stores r under its start time
func (l *Ledger) Record(ctx context.Context, r report.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.RunID == "" {
		return ledger.Error.New("report has no run ID")
	}

	value, err := json.Marshal(r)
	if err != nil {
		return ledger.Error.New("failed to encode report: %v", err)
	}

	idx := indexKey(r.RunID)
	key := runKey(r.StartedAt, r.RunID)

	return l.withContext(ctx, func() error {
		return l.db.Update(func(txn *badger.Txn) error {
			// A re-recorded run may carry a different start time
			if item, err := txn.Get(idx); err == nil {
				old, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if err := txn.Delete(old); err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}

			if err := txn.Set(key, value); err != nil {
				return err
			}
			return txn.Set(idx, key)
		})
	})
}

// Get loads one report
func (l *Ledger) Get(ctx context.Context, runID string) (report.Report, error) {
	if err := ctx.Err(); err != nil {
		return report.Report{}, err
	}

	var r report.Report
	err := l.withContext(ctx, func() error {
		return l.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(indexKey(runID))
			if err == badger.ErrKeyNotFound {
				return ledger.ErrNotFound.New("%s", runID)
			}
			if err != nil {
				return err
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			item, err = txn.Get(key)
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
		})
	})
	if err != nil {
		return report.Report{}, err
	}

	// Hash collision between two run IDs
	if r.RunID != runID {
		return report.Report{}, ledger.ErrNotFound.New("%s", runID)
	}
	return r, nil
}

// List scans runs newest first
func (l *Ledger) List(ctx context.Context, limit int) ([]report.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var summaries []report.Summary
	err := l.withContext(ctx, func() error {
		return l.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = runPrefix
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				var r report.Report
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				}); err != nil {
					return err
				}
				summaries = append(summaries, r.Summarize())

				if limit > 0 && len(summaries) >= limit {
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// Prune deletes runs that started before cutoff
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var pruned int
	err := l.withContext(ctx, func() error {
		return l.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = runPrefix
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			// Inverted timestamps: everything at or past the cutoff key is older
			var keys [][]byte
			for it.Seek(runKeyPrefix(cutoff)); it.Valid(); it.Next() {
				if started(it.Item().Key()).Before(cutoff) {
					keys = append(keys, it.Item().KeyCopy(nil))
				}
			}

			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}

				// Only drop the index entry if it still points at this key
				idx := indexPrefixed(key[9:17])
				item, err := txn.Get(idx)
				if err == badger.ErrKeyNotFound {
					continue
				}
				if err != nil {
					return err
				}
				current, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if string(current) == string(key) {
					if err := txn.Delete(idx); err != nil {
						return err
					}
				}
			}
			pruned = len(keys)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		l.log.Info("pruned run reports", zap.Int("runs", pruned), zap.Time("cutoff", cutoff))
	}
	return pruned, nil
}

// RunGC runs BadgerDB's value log garbage collection.
// badger.ErrNoRewrite means there was nothing to reclaim.
func (l *Ledger) RunGC(discardRatio float64) error {
	return l.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly
func (l *Ledger) Close() error {
	return l.db.Close()
}

// withContext runs fn in the background and stops waiting when ctx is done.
// Badger transactions cannot be interrupted, so fn keeps running to
// completion either way.
func (l *Ledger) withContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ledger.Error.New("operation cancelled: %v", ctx.Err())
	}
}

func runKeyPrefix(t time.Time) []byte {
	key := make([]byte, 9)
	copy(key, runPrefix)
	binary.BigEndian.PutUint64(key[1:9], math.MaxUint64-uint64(t.UnixNano()))
	return key
}

func runKey(t time.Time, runID string) []byte {
	key := make([]byte, 17)
	copy(key, runKeyPrefix(t))
	binary.BigEndian.PutUint64(key[9:17], xxhash.Sum64String(runID))
	return key
}

func started(key []byte) time.Time {
	return time.Unix(0, int64(math.MaxUint64-binary.BigEndian.Uint64(key[1:9])))
}

func indexKey(runID string) []byte {
	var hash [8]byte
	binary.BigEndian.PutUint64(hash[:], xxhash.Sum64String(runID))
	return indexPrefixed(hash[:])
}

func indexPrefixed(hash []byte) []byte {
	key := make([]byte, 0, 9)
	key = append(key, indexPrefix...)
	return append(key, hash...)
}

// zapLogger routes badger's internal logging through zap
type zapLogger struct {
	*zap.SugaredLogger
}

func (z zapLogger) Warningf(format string, args ...interface{}) {
	z.Warnf(format, args...)
}
