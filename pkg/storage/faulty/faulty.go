// Package faulty wraps an ObjectStore with injectable failures and call
// accounting. It is used by tests across the module.
package faulty

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nicktill/tinycompact/pkg/storage"
)

// Op names a store operation
type Op string

const (
	OpList Op = "list"
	OpGet  Op = "get"
	OpPut  Op = "put"
)

// Hook decides whether a call fails. Returning nil lets the call through.
type Hook func(ctx context.Context, op Op, bucket, key string) error

// Store is a storage.ObjectStore that consults a hook before each call
type Store struct {
	storage.ObjectStore

	mu    sync.Mutex
	hook  Hook
	calls map[Op]int

	active    atomic.Int64
	maxActive atomic.Int64
}

// Wrap returns a Store delegating to inner
func Wrap(inner storage.ObjectStore) *Store {
	return &Store{
		ObjectStore: inner,
		calls:       make(map[Op]int),
	}
}

// SetHook replaces the failure hook
func (s *Store) SetHook(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calls returns how many times op was invoked
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// MaxActive is the highest number of calls observed in flight at once
func (s *Store) MaxActive() int64 {
	return s.maxActive.Load()
}

func (s *Store) enter(ctx context.Context, op Op, bucket, key string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	s.mu.Unlock()

	n := s.active.Add(1)
	for {
		cur := s.maxActive.Load()
		if n <= cur || s.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	if hook != nil {
		if err := hook(ctx, op, bucket, key); err != nil {
			s.active.Add(-1)
			return err
		}
	}
	return nil
}

func (s *Store) leave() {
	s.active.Add(-1)
}

func (s *Store) List(ctx context.Context, bucket, prefix, token string) (storage.ListPage, error) {
	if err := s.enter(ctx, OpList, bucket, prefix); err != nil {
		return storage.ListPage{}, err
	}
	defer s.leave()
	return s.ObjectStore.List(ctx, bucket, prefix, token)
}

func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := s.enter(ctx, OpGet, bucket, key); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.ObjectStore.Get(ctx, bucket, key)
}

func (s *Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := s.enter(ctx, OpPut, bucket, key); err != nil {
		return err
	}
	defer s.leave()
	return s.ObjectStore.Put(ctx, bucket, key, r, size)
}
