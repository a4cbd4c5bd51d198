package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/storage"
)

var mon = monkit.Package()

// emptyPrefixStem names the output when the destination prefix is empty
const emptyPrefixStem = "compacted"

// Config controls where and how partitions are merged
type Config struct {
	// ScratchDir holds per-unit merge directories ("" = os.TempDir())
	ScratchDir string

	// OutputExtension replaces the suffix chain taken from the first source
	// key, e.g. ".json". Empty keeps the derived suffix.
	OutputExtension string

	// ScratchCeiling caps the bytes staged concurrently (0 = unlimited).
	// A merge waits for room; only a partition larger than the ceiling on
	// its own fails.
	ScratchCeiling int64
}

// Compactor merges the objects of one partition into a single output object
type Compactor struct {
	log   *zap.Logger
	store storage.ObjectStore
	cfg   Config

	scratch *semaphore.Weighted // nil without a ceiling
	inUse   atomic.Int64        // scratch bytes reserved by running merges
}

// New creates a compactor
func New(log *zap.Logger, store storage.ObjectStore, cfg Config) *Compactor {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	c := &Compactor{
		log:   log,
		store: store,
		cfg:   cfg,
	}
	if cfg.ScratchCeiling > 0 {
		c.scratch = semaphore.NewWeighted(cfg.ScratchCeiling)
	}
	return c
}

// ScratchDir is the parent of all per-unit merge directories
func (c *Compactor) ScratchDir() string {
	return c.cfg.ScratchDir
}

// ScratchInUse is the number of scratch bytes reserved by in-flight merges
func (c *Compactor) ScratchInUse() int64 {
	return c.inUse.Load()
}

// ScratchCeiling is the configured scratch ceiling (0 = unlimited)
func (c *Compactor) ScratchCeiling() int64 {
	return c.cfg.ScratchCeiling
}

// Compact lists the partition's source prefix, concatenates every object in
// listing order and uploads the result under the destination prefix.
//
// Compact never returns an error: failures are reported in the Outcome so
// that one partition cannot affect another.
func (c *Compactor) Compact(ctx context.Context, part partition.Partition) Outcome {
	started := time.Now()

	job, err := c.compact(ctx, part)

	var out Outcome
	switch {
	case err != nil:
		if ctx.Err() != nil {
			err = ErrTimeout.Wrap(err)
		}
		out = Failed(part, err)
		mon.Meter("partitions_failed").Mark(1)
		c.log.Warn("partition compaction failed",
			zap.String("date", part.DateKey),
			zap.Stringer("source", part.Source),
			zap.String("kind", string(out.ErrorKind)),
			zap.Error(err))
	case len(job.Records) == 0:
		out = Outcome{Partition: part, Status: StatusEmpty, Attempts: 1}
		mon.Meter("partitions_empty").Mark(1)
		c.log.Info("partition empty, nothing to compact",
			zap.String("date", part.DateKey),
			zap.Stringer("source", part.Source))
	default:
		out = Outcome{
			Partition:   part,
			Status:      StatusMerged,
			MergedCount: len(job.Records),
			MergedBytes: job.TotalBytes(),
			OutputKey:   job.OutputKey,
			Attempts:    1,
		}
		mon.Meter("partitions_merged").Mark(1)
		mon.IntVal("merged_bytes").Observe(out.MergedBytes)
		c.log.Info("partition compacted",
			zap.String("date", part.DateKey),
			zap.Int("objects", out.MergedCount),
			zap.Int64("bytes", out.MergedBytes),
			zap.String("output", part.Dest.Bucket+"/"+out.OutputKey))
	}

	out.Duration = time.Since(started)
	return out
}

func (c *Compactor) compact(ctx context.Context, part partition.Partition) (job MergeJob, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err = c.Plan(ctx, part)
	if err != nil || len(job.Records) == 0 {
		return job, err
	}

	release, err := c.reserve(ctx, job)
	if err != nil {
		return job, err
	}
	defer release()

	return job, c.merge(ctx, &job)
}

// reserve blocks until the job's bytes fit under the scratch ceiling
func (c *Compactor) reserve(ctx context.Context, job MergeJob) (release func(), err error) {
	total := job.TotalBytes()
	if c.scratch == nil {
		c.inUse.Add(total)
		return func() { c.inUse.Add(-total) }, nil
	}

	if total > c.cfg.ScratchCeiling {
		return nil, ErrScratchExhausted.New("%s needs %d bytes, ceiling is %d", job.Partition.DateKey, total, c.cfg.ScratchCeiling)
	}
	if err := c.scratch.Acquire(ctx, total); err != nil {
		return nil, err
	}
	c.inUse.Add(total)
	return func() {
		c.inUse.Add(-total)
		c.scratch.Release(total)
	}, nil
}

// Plan lists the source prefix and derives the output key
func (c *Compactor) Plan(ctx context.Context, part partition.Partition) (MergeJob, error) {
	job := MergeJob{Partition: part}

	records, err := storage.ListAll(ctx, c.store, part.Source.Bucket, part.Source.Prefix)
	if err != nil {
		return job, ErrSourceRead.Wrap(err)
	}

	// An output written into the source prefix on an earlier run must not be
	// merged into the next one
	if overlaps(part.Source, part.Dest) {
		stem := outputStem(part.Dest.Prefix)
		kept := records[:0]
		for _, r := range records {
			if !isOutputKey(r.Key, stem) {
				kept = append(kept, r)
			}
		}
		records = kept
	}

	job.Records = records
	if len(records) > 0 {
		job.OutputKey = OutputKey(part.Dest.Prefix, records[0].Key, c.cfg.OutputExtension)
	}
	return job, nil
}

// merge streams every record into a scratch file and uploads it
func (c *Compactor) merge(ctx context.Context, job *MergeJob) (err error) {
	dir, err := os.MkdirTemp(c.cfg.ScratchDir, fmt.Sprintf("compact-%x-*", xxhash.Sum64String(job.Partition.Dest.String())))
	if err != nil {
		return ErrSinkWrite.Wrap(err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			c.log.Warn("failed to remove scratch directory", zap.String("dir", dir), zap.Error(rmErr))
		}
	}()

	job.ScratchPath = filepath.Join(dir, "merged")
	f, err := os.Create(job.ScratchPath)
	if err != nil {
		return ErrSinkWrite.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ignoreClosed(f.Close())) }()

	var written int64
	for _, rec := range job.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.appendObject(ctx, f, job.Partition.Source.Bucket, rec.Key)
		if err != nil {
			return err
		}
		written += n
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ErrSinkWrite.Wrap(err)
	}

	if err := c.store.Put(ctx, job.Partition.Dest.Bucket, job.OutputKey, f, written); err != nil {
		return ErrSinkWrite.Wrap(err)
	}
	return nil
}

func (c *Compactor) appendObject(ctx context.Context, w io.Writer, bucket, key string) (_ int64, err error) {
	rc, err := c.store.Get(ctx, bucket, key)
	if err != nil {
		return 0, ErrSourceRead.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()

	n, err := io.Copy(w, rc)
	if err != nil {
		// io.Copy does not say which side failed; a failed local write is
		// rare enough that reads take the blame
		return n, ErrSourceRead.Wrap(err)
	}
	return n, nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// OutputKey names the merged object of a partition.
//
// The name is the destination prefix followed by the prefix with slashes
// replaced by dashes, plus the suffix chain of the first source key's base
// name ("2024/01/01/" and "2024/01/01/a.json" give
// "2024/01/01/2024-01-01-.json"). A non-empty extension replaces the suffix.
func OutputKey(destPrefix, firstKey, extension string) string {
	suffix := extension
	if suffix == "" {
		suffix = Suffixes(path.Base(firstKey))
	}
	return outputStem(destPrefix) + suffix
}

func outputStem(destPrefix string) string {
	if destPrefix == "" {
		return emptyPrefixStem
	}
	dir := destPrefix
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + strings.ReplaceAll(destPrefix, "/", "-")
}

// Suffixes returns every extension of name, ".csv.gz" for "a.csv.gz".
// Leading dots are not extensions and a name ending in '.' has none.
func Suffixes(name string) string {
	if strings.HasSuffix(name, ".") {
		return ""
	}
	name = strings.TrimLeft(name, ".")
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}

func overlaps(src, dest storage.Location) bool {
	return src.Bucket == dest.Bucket && strings.HasPrefix(dest.Prefix, src.Prefix)
}

func isOutputKey(key, stem string) bool {
	rest, ok := strings.CutPrefix(key, stem)
	return ok && !strings.Contains(rest, "/")
}
