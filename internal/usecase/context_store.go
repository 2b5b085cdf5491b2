package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/tracer"
)

// ContextStore keeps the bounded, expiring history of a conversation on top
// of a domain.ListStore. A window of zero disables history: every operation
// is a no-op and Read returns nil.
type ContextStore struct {
	store  domain.ListStore
	window int
	ttl    time.Duration
}

// NewContextStore creates a context store keeping at most window turns per
// key, each append refreshing the key's TTL.
func NewContextStore(store domain.ListStore, window int, ttl time.Duration) *ContextStore {
	return &ContextStore{store: store, window: window, ttl: ttl}
}

// Enabled reports whether history caching is active.
func (c *ContextStore) Enabled() bool {
	return c != nil && c.window > 0 && c.store != nil
}

// Window returns the configured number of retained turns.
func (c *ContextStore) Window() int {
	if c == nil {
		return 0
	}
	return c.window
}

// Append adds turns to the tail, trims to the window and refreshes the TTL.
func (c *ContextStore) Append(ctx context.Context, key string, turns ...domain.Turn) error {
	if !c.Enabled() || len(turns) == 0 {
		return nil
	}
	ctx, span := tracer.StartSpan(ctx, "store.append",
		trace.WithAttributes(
			tracer.StringAttr("store.backend", c.store.Name()),
			tracer.IntAttr("store.turns", len(turns)),
		),
	)
	defer span.End()

	values := make([][]byte, len(turns))
	for i, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.WrapOp("ContextStore.Append", err)
		}
		values[i] = b
	}
	if err := c.store.Push(ctx, key, values...); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("ContextStore.Append", err)
	}
	if err := c.store.Trim(ctx, key, c.window); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("ContextStore.Append", err)
	}
	if c.ttl > 0 {
		if err := c.store.Expire(ctx, key, c.ttl); err != nil {
			tracer.RecordError(span, err)
			return domain.WrapOp("ContextStore.Append", err)
		}
	}
	tracer.SetOK(span)
	return nil
}

// Read returns the retained turns, oldest first.
func (c *ContextStore) Read(ctx context.Context, key string) ([]domain.Turn, error) {
	if !c.Enabled() {
		return nil, nil
	}
	raw, err := c.store.Range(ctx, key)
	if err != nil {
		return nil, domain.WrapOp("ContextStore.Read", err)
	}
	turns := make([]domain.Turn, 0, len(raw))
	for i, b := range raw {
		var t domain.Turn
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, domain.WrapOp("ContextStore.Read",
				fmt.Errorf("%w: decode turn %d: %v", domain.ErrStore, i, err))
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Trim cuts the sequence down to the window. Trimming is idempotent.
func (c *ContextStore) Trim(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return domain.WrapOp("ContextStore.Trim", c.store.Trim(ctx, key, c.window))
}

// PopLast removes the n most recently appended turns.
func (c *ContextStore) PopLast(ctx context.Context, key string, n int) error {
	if !c.Enabled() || n <= 0 {
		return nil
	}
	return domain.WrapOp("ContextStore.PopLast", c.store.PopLast(ctx, key, n))
}

// Delete clears the conversation immediately.
func (c *ContextStore) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return domain.WrapOp("ContextStore.Delete", c.store.Delete(ctx, key))
}
