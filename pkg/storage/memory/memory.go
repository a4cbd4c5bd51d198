package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/nicktill/tinycompact/pkg/storage"
)

// DefaultPageSize matches the S3 ListObjectsV2 default
const DefaultPageSize = 1000

// Store keeps objects in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	buckets  map[string]map[string][]byte
	pageSize int
	mu       sync.RWMutex
}

// New creates an in-memory object store
func New() *Store {
	return NewWithPageSize(DefaultPageSize)
}

// NewWithPageSize creates an in-memory store whose listings return at most
// pageSize objects per page
func NewWithPageSize(pageSize int) *Store {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	return &Store{
		buckets:  make(map[string]map[string][]byte),
		pageSize: pageSize,
	}
}

// List returns one page of keys under prefix. The continuation token is the
// last key of the previous page.
func (s *Store) List(ctx context.Context, bucket, prefix, token string) (storage.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ListPage{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) && key > token {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var page storage.ListPage
	for _, key := range keys {
		if len(page.Objects) == s.pageSize {
			page.NextToken = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, storage.ObjectRecord{
			Key:  key,
			Size: int64(len(s.buckets[bucket][key])),
		})
	}
	return page, nil
}

// Get returns a reader over a copy of the object body
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.buckets[bucket][key]
	if !ok {
		return nil, storage.ErrObjectNotFound.New("%s/%s", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Put reads the full body before publishing it, so a failed read leaves the
// key untouched
func (s *Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return storage.Error.Wrap(err)
	}
	if size >= 0 && int64(len(data)) != size {
		return storage.Error.New("%s/%s: read %d bytes, expected %d", bucket, key, len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string][]byte)
	}
	s.buckets[bucket][key] = data
	return nil
}

// PutBytes stores data under key
func (s *Store) PutBytes(bucket, key string, data []byte) {
	_ = s.Put(context.Background(), bucket, key, bytes.NewReader(data), int64(len(data)))
}

// Object returns the stored body of key
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.buckets[bucket][key]
	return bytes.Clone(data), ok
}

// Keys returns all keys in bucket, sorted
func (s *Store) Keys(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.buckets[bucket]))
	for key := range s.buckets[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close is a no-op for memory storage
func (s *Store) Close() error {
	return nil
}
