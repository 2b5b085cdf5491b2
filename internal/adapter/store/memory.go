package store

import (
	"context"
	"sync"
	"time"

	"threadrelay/internal/domain"
)

// MemoryListStore is an in-process domain.ListStore. Expired keys are
// invisible immediately and reclaimed by Sweep.
type MemoryListStore struct {
	mu    sync.Mutex
	lists map[string]*memoryList
	now   func() time.Time
}

type memoryList struct {
	values    [][]byte
	expiresAt time.Time // zero means no expiry
}

// MemoryOption configures a MemoryListStore.
type MemoryOption func(*MemoryListStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryListStore) { s.now = now }
}

// NewMemoryListStore creates an empty store.
func NewMemoryListStore(opts ...MemoryOption) *MemoryListStore {
	s := &MemoryListStore{
		lists: make(map[string]*memoryList),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements domain.ListStore.
func (s *MemoryListStore) Name() string { return "memory" }

// live returns the list for key, dropping it first if it has expired.
// Callers hold s.mu.
func (s *MemoryListStore) live(key string) *memoryList {
	l, ok := s.lists[key]
	if !ok {
		return nil
	}
	if !l.expiresAt.IsZero() && !s.now().Before(l.expiresAt) {
		delete(s.lists, key)
		return nil
	}
	return l
}

// Push implements domain.ListStore.
func (s *MemoryListStore) Push(_ context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.live(key)
	if l == nil {
		l = &memoryList{}
		s.lists[key] = l
	}
	for _, v := range values {
		l.values = append(l.values, append([]byte(nil), v...))
	}
	return nil
}

// Range implements domain.ListStore.
func (s *MemoryListStore) Range(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.live(key)
	if l == nil {
		return nil, nil
	}
	out := make([][]byte, len(l.values))
	for i, v := range l.values {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

// Trim implements domain.ListStore.
func (s *MemoryListStore) Trim(_ context.Context, key string, keepLast int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.live(key)
	if l == nil {
		return nil
	}
	if keepLast <= 0 {
		delete(s.lists, key)
		return nil
	}
	if n := len(l.values); n > keepLast {
		l.values = append([][]byte(nil), l.values[n-keepLast:]...)
	}
	return nil
}

// Expire implements domain.ListStore.
func (s *MemoryListStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.live(key)
	if l == nil {
		return nil
	}
	if ttl <= 0 {
		delete(s.lists, key)
		return nil
	}
	l.expiresAt = s.now().Add(ttl)
	return nil
}

// Delete implements domain.ListStore.
func (s *MemoryListStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.lists, key)
	s.mu.Unlock()
	return nil
}

// PopLast implements domain.ListStore.
func (s *MemoryListStore) PopLast(_ context.Context, key string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.live(key)
	if l == nil || n <= 0 {
		return nil
	}
	if n >= len(l.values) {
		delete(s.lists, key)
		return nil
	}
	l.values = l.values[:len(l.values)-n]
	return nil
}

// Sweep reclaims expired keys and reports how many were removed.
func (s *MemoryListStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, l := range s.lists {
		if !l.expiresAt.IsZero() && !now.Before(l.expiresAt) {
			delete(s.lists, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored keys, including expired ones not yet swept.
func (s *MemoryListStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists)
}

var _ domain.ListStore = (*MemoryListStore)(nil)
