package usecase

import (
	"context"
	"fmt"
	"sync"
)

// KeyLocker provides mutual exclusion per conversation key. A reply holds
// the key's lock across its read, provider call and append so concurrent
// events in one thread cannot interleave their history writes.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

type keyMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewKeyLocker creates a new key locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{
		locks: make(map[string]*keyMutex),
	}
}

// Lock acquires the lock for key. It blocks until the lock is acquired or
// ctx is cancelled. The returned unlock function must be called exactly once.
func (kl *KeyLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	kl.mu.Lock()
	km, ok := kl.locks[key]
	if !ok {
		km = &keyMutex{}
		kl.locks[key] = km
	}
	km.refCount++
	kl.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		km.mu.Lock()
		close(acquired)
	}()

	release := func() {
		km.mu.Unlock()
		kl.mu.Lock()
		km.refCount--
		if km.refCount == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}

	select {
	case <-acquired:
		var once sync.Once
		return func() { once.Do(release) }, nil
	case <-ctx.Done():
		// The acquiring goroutine still owns the mutex once it gets it.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("key lock %q: %w", key, ctx.Err())
	}
}

// ActiveCount returns the number of keys with held or pending locks.
func (kl *KeyLocker) ActiveCount() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
