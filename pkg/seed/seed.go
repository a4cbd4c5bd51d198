// Package seed writes synthetic JSON-lines objects under daily prefixes so
// that a compaction run has something to merge.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/storage"
)

// Error is the default seed errs class.
var Error = errs.Class("seed")

// Config controls what gets generated
type Config struct {
	Files       int
	RowsPerFile int

	// Objects land on a random day in the WindowDays days before Now
	WindowDays int
	Now        time.Time

	// DateFormat lays out the day prefix (default "%Y/%m/%d/")
	DateFormat string

	// Seed makes the output reproducible (0 = random)
	Seed uint64
}

// Record is one generated row
type Record struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Age        int    `json:"age"`
	Address    string `json:"address"`
	City       string `json:"city"`
	ZipCode    string `json:"zip_code"`
	SourceDate string `json:"source_date"`
}

var (
	firstNames = []string{"John", "Jane", "Bob", "Alice"}
	lastNames  = []string{"Smith", "Johnson", "Brown", "Davis"}
	addresses  = []string{"123 Main St", "456 Park Ave", "789 Elm St", "321 Oak St"}
	cities     = []string{"New York", "Los Angeles", "Chicago", "Houston"}
	zipCodes   = []string{"10001", "10002", "10003", "10004"}
)

// Result counts what was written
type Result struct {
	Files    int            `json:"files"`
	Bytes    int64          `json:"bytes"`
	Prefixes map[string]int `json:"prefixes"`
}

// Generate writes cfg.Files objects named test_data_<i>.json below base
func Generate(ctx context.Context, log *zap.Logger, store storage.ObjectStore, base storage.Location, cfg Config) (Result, error) {
	if cfg.Files < 0 || cfg.RowsPerFile < 0 {
		return Result{}, Error.New("files and rows must not be negative")
	}
	if cfg.WindowDays < 1 {
		return Result{}, Error.New("window must be at least one day, got %d", cfg.WindowDays)
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = "%Y/%m/%d/"
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}

	format, err := partition.ParseFormat(cfg.DateFormat)
	if err != nil {
		return Result{}, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	pick := func(options []string) string { return options[rng.IntN(len(options))] }

	res := Result{Prefixes: make(map[string]int)}
	var buf bytes.Buffer
	for i := 0; i < cfg.Files; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		day := cfg.Now.AddDate(0, 0, -1-rng.IntN(cfg.WindowDays))
		prefix := format.Apply(day)

		buf.Reset()
		enc := json.NewEncoder(&buf)
		for j := 0; j < cfg.RowsPerFile; j++ {
			rec := Record{
				FirstName:  pick(firstNames),
				LastName:   pick(lastNames),
				Age:        18 + rng.IntN(48),
				Address:    pick(addresses),
				City:       pick(cities),
				ZipCode:    pick(zipCodes),
				SourceDate: prefix,
			}
			if err := enc.Encode(rec); err != nil {
				return res, Error.Wrap(err)
			}
		}

		key := base.Prefix + prefix + fmt.Sprintf("test_data_%d.json", i)
		size := int64(buf.Len())
		if err := store.Put(ctx, base.Bucket, key, bytes.NewReader(buf.Bytes()), size); err != nil {
			return res, err
		}

		res.Files++
		res.Bytes += size
		res.Prefixes[prefix]++
		log.Debug("seeded object", zap.String("key", key), zap.Int64("bytes", size))
	}

	log.Info("seeded test data",
		zap.String("location", base.String()),
		zap.Int("files", res.Files),
		zap.Int("prefixes", len(res.Prefixes)),
		zap.Int64("bytes", res.Bytes))
	return res, nil
}
