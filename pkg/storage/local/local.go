package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"github.com/nicktill/tinycompact/pkg/storage"
)

// tempPrefix marks in-flight uploads; listings skip them
const tempPrefix = ".tinycompact-tmp-"

// DefaultPageSize is the number of keys returned per List call
const DefaultPageSize = 1000

// Store implements storage.ObjectStore on a directory tree.
// Each bucket is a sub-directory of Root and each key a file path below it.
type Store struct {
	root     string
	pageSize int
}

// Config holds filesystem backend configuration
type Config struct {
	// Root directory holding one sub-directory per bucket
	Root string

	// PageSize limits keys per listing page (0 = DefaultPageSize)
	PageSize int
}

// New creates a filesystem object store rooted at cfg.Root
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, storage.Error.New("local store root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, storage.Error.New("failed to create root %s: %v", cfg.Root, err)
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = DefaultPageSize
	}
	return &Store{root: cfg.Root, pageSize: cfg.PageSize}, nil
}

// List walks the bucket directory and returns keys under prefix in
// lexicographic order. The continuation token is the last returned key.
func (s *Store) List(ctx context.Context, bucket, prefix, token string) (storage.ListPage, error) {
	bucketDir, err := s.bucketDir(bucket)
	if err != nil {
		return storage.ListPage{}, err
	}

	// Start walking at the deepest directory the prefix fully names
	startDir := bucketDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		startDir = filepath.Join(bucketDir, filepath.FromSlash(prefix[:i]))
	}

	var records []storage.ObjectRecord
	err = filepath.WalkDir(startDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || key <= token {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		records = append(records, storage.ObjectRecord{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return storage.ListPage{}, storage.Error.Wrap(err)
	}

	// WalkDir order is lexical per path element, which differs from
	// byte order for keys such as "a/b" vs "a-b"
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	page := storage.ListPage{Objects: records}
	if len(records) > s.pageSize {
		page.Objects = records[:s.pageSize]
		page.NextToken = page.Objects[s.pageSize-1].Key
	}
	return page, nil
}

// Get opens the file backing key
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrObjectNotFound.New("%s/%s", bucket, key)
	}
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return f, nil
}

// Put writes to a temporary file next to the target and renames it into
// place once the full body is on disk
func (s *Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return storage.Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return storage.Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = errs.Combine(err, rmErr)
			}
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return storage.Error.Wrap(err)
	}
	if size >= 0 && n != size {
		return storage.Error.New("%s/%s: wrote %d bytes, expected %d", bucket, key, n, size)
	}
	if err := tmp.Sync(); err != nil {
		return storage.Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return storage.Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return storage.Error.Wrap(err)
	}
	return nil
}

// Close is a no-op for the filesystem backend
func (s *Store) Close() error {
	return nil
}

func (s *Store) bucketDir(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", storage.ErrInvalidLocation.New("bucket %q", bucket)
	}
	return filepath.Join(s.root, bucket), nil
}

func (s *Store) objectPath(bucket, key string) (string, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return "", err
	}
	if key == "" || strings.HasSuffix(key, "/") || path.Clean("/"+key) != "/"+key {
		return "", storage.ErrInvalidLocation.New("key %q", key)
	}
	return filepath.Join(dir, filepath.FromSlash(key)), nil
}
