package seed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinycompact/pkg/storage"
	"github.com/nicktill/tinycompact/pkg/storage/memory"
)

var now = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func TestGenerate(t *testing.T) {
	store := memory.New()
	base := storage.Location{Scheme: "s3", Bucket: "raw", Prefix: "events/"}

	res, err := Generate(context.Background(), zaptest.NewLogger(t), store, base, Config{
		Files:       20,
		RowsPerFile: 5,
		WindowDays:  3,
		Now:         now,
		Seed:        42,
	})
	require.NoError(t, err)
	require.Equal(t, 20, res.Files)

	keys := store.Keys("raw")
	require.Len(t, keys, 20)

	allowed := map[string]bool{
		"events/2023/12/30/": true,
		"events/2023/12/31/": true,
		"events/2024/01/01/": true,
	}

	var total int
	for _, key := range keys {
		idx := strings.LastIndex(key, "/")
		require.True(t, allowed[key[:idx+1]], "unexpected prefix in %s", key)
		require.True(t, strings.HasPrefix(key[idx+1:], "test_data_"))

		data, ok := store.Object("raw", key)
		require.True(t, ok)
		total += len(data)

		scanner := bufio.NewScanner(bytes.NewReader(data))
		var rows int
		for scanner.Scan() {
			var rec Record
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
			require.GreaterOrEqual(t, rec.Age, 18)
			require.LessOrEqual(t, rec.Age, 65)
			require.Equal(t, key[len("events/"):idx+1], rec.SourceDate)
			rows++
		}
		require.Equal(t, 5, rows)
	}
	require.Equal(t, res.Bytes, int64(total))

	var perPrefix int
	for _, n := range res.Prefixes {
		perPrefix += n
	}
	require.Equal(t, 20, perPrefix)
}

func TestGenerate_Reproducible(t *testing.T) {
	cfg := Config{Files: 5, RowsPerFile: 3, WindowDays: 10, Now: now, Seed: 7}
	base := storage.Location{Scheme: "s3", Bucket: "raw"}

	a, b := memory.New(), memory.New()
	_, err := Generate(context.Background(), zaptest.NewLogger(t), a, base, cfg)
	require.NoError(t, err)
	_, err = Generate(context.Background(), zaptest.NewLogger(t), b, base, cfg)
	require.NoError(t, err)

	require.Equal(t, a.Keys("raw"), b.Keys("raw"))
	for _, key := range a.Keys("raw") {
		da, _ := a.Object("raw", key)
		db, _ := b.Object("raw", key)
		require.Equal(t, da, db)
	}
}

func TestGenerate_Validation(t *testing.T) {
	store := memory.New()
	base := storage.Location{Scheme: "s3", Bucket: "raw"}
	log := zaptest.NewLogger(t)

	_, err := Generate(context.Background(), log, store, base, Config{Files: 1, WindowDays: 0})
	require.True(t, Error.Has(err))

	_, err = Generate(context.Background(), log, store, base, Config{Files: 1, WindowDays: 1, DateFormat: "%Y/%m/"})
	require.Error(t, err)

	require.Empty(t, store.Keys("raw"))
}
