package store

import (
	"context"
	"time"

	"threadrelay/internal/domain"
)

// Cipher seals values before they reach the backend.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// SealedListStore encrypts every value of an inner store. Key names and list
// lengths stay visible to the backend.
type SealedListStore struct {
	inner  domain.ListStore
	cipher Cipher
}

// NewSealedListStore wraps inner.
func NewSealedListStore(inner domain.ListStore, c Cipher) *SealedListStore {
	return &SealedListStore{inner: inner, cipher: c}
}

// Name implements domain.ListStore.
func (s *SealedListStore) Name() string { return s.inner.Name() + "+sealed" }

// Push implements domain.ListStore.
func (s *SealedListStore) Push(ctx context.Context, key string, values ...[]byte) error {
	sealed := make([][]byte, len(values))
	for i, v := range values {
		b, err := s.cipher.Seal(v)
		if err != nil {
			return domain.WrapOp("SealedListStore.Push", err)
		}
		sealed[i] = b
	}
	return s.inner.Push(ctx, key, sealed...)
}

// Range implements domain.ListStore.
func (s *SealedListStore) Range(ctx context.Context, key string) ([][]byte, error) {
	values, err := s.inner.Range(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := s.cipher.Open(v)
		if err != nil {
			return nil, domain.WrapOp("SealedListStore.Range", err)
		}
		out[i] = b
	}
	return out, nil
}

// Trim implements domain.ListStore.
func (s *SealedListStore) Trim(ctx context.Context, key string, keepLast int) error {
	return s.inner.Trim(ctx, key, keepLast)
}

// Expire implements domain.ListStore.
func (s *SealedListStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.inner.Expire(ctx, key, ttl)
}

// Delete implements domain.ListStore.
func (s *SealedListStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// PopLast implements domain.ListStore.
func (s *SealedListStore) PopLast(ctx context.Context, key string, n int) error {
	return s.inner.PopLast(ctx, key, n)
}

var _ domain.ListStore = (*SealedListStore)(nil)
