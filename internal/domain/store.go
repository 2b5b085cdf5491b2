package domain

import (
	"context"
	"time"
)

// ListStore is a keyed list with expiry, the persistence primitive behind
// conversation history. Values are opaque encoded turns.
type ListStore interface {
	// Push appends values to the tail of the list.
	Push(ctx context.Context, key string, values ...[]byte) error
	// Range returns the whole list, head first. A missing key is empty.
	Range(ctx context.Context, key string) ([][]byte, error)
	// Trim keeps only the last keepLast values.
	Trim(ctx context.Context, key string, keepLast int) error
	// Expire sets the key's time to live.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
	// PopLast removes up to n values from the tail.
	PopLast(ctx context.Context, key string, n int) error
	// Name identifies the backend in logs.
	Name() string
}
