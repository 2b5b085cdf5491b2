package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func values(t *testing.T, s interface {
	Range(context.Context, string) ([][]byte, error)
}, key string) []string {
	t.Helper()
	raw, err := s.Range(context.Background(), key)
	require.NoError(t, err)
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = string(v)
	}
	return out
}

func TestMemoryListStore_PushRangeTrim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryListStore()

	require.NoError(t, s.Push(ctx, "k", []byte("a"), []byte("b"), []byte("c")))
	assert.Equal(t, []string{"a", "b", "c"}, values(t, s, "k"))

	require.NoError(t, s.Trim(ctx, "k", 2))
	assert.Equal(t, []string{"b", "c"}, values(t, s, "k"))

	require.NoError(t, s.Trim(ctx, "k", 5))
	assert.Equal(t, []string{"b", "c"}, values(t, s, "k"))

	require.NoError(t, s.Trim(ctx, "k", 0))
	assert.Empty(t, values(t, s, "k"))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryListStore_RangeMissingKey(t *testing.T) {
	s := NewMemoryListStore()
	got, err := s.Range(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryListStore_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryListStore()
	buf := []byte("x")
	require.NoError(t, s.Push(ctx, "k", buf))
	buf[0] = 'y'

	got, err := s.Range(ctx, "k")
	require.NoError(t, err)
	got[0][0] = 'z'
	assert.Equal(t, []string{"x"}, values(t, s, "k"))
}

func TestMemoryListStore_PopLast(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryListStore()
	require.NoError(t, s.Push(ctx, "k", []byte("1"), []byte("2"), []byte("3")))

	require.NoError(t, s.PopLast(ctx, "k", 2))
	assert.Equal(t, []string{"1"}, values(t, s, "k"))

	require.NoError(t, s.PopLast(ctx, "k", 0))
	assert.Equal(t, []string{"1"}, values(t, s, "k"))

	require.NoError(t, s.PopLast(ctx, "k", 5))
	assert.Empty(t, values(t, s, "k"))

	// Popping a missing key is a no-op.
	require.NoError(t, s.PopLast(ctx, "missing", 2))
}

func TestMemoryListStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryListStore(WithClock(clock.now))

	require.NoError(t, s.Push(ctx, "k", []byte("a")))
	require.NoError(t, s.Expire(ctx, "k", time.Hour))

	clock.advance(59 * time.Minute)
	assert.Equal(t, []string{"a"}, values(t, s, "k"))

	clock.advance(time.Minute)
	assert.Empty(t, values(t, s, "k"))

	// A push after expiry starts a fresh list without the old deadline.
	require.NoError(t, s.Push(ctx, "k", []byte("b")))
	clock.advance(24 * time.Hour)
	assert.Equal(t, []string{"b"}, values(t, s, "k"))
}

func TestMemoryListStore_ExpireMissingKeyIsNoop(t *testing.T) {
	s := NewMemoryListStore()
	require.NoError(t, s.Expire(context.Background(), "k", time.Hour))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryListStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryListStore(WithClock(clock.now))

	require.NoError(t, s.Push(ctx, "short", []byte("a")))
	require.NoError(t, s.Expire(ctx, "short", time.Minute))
	require.NoError(t, s.Push(ctx, "long", []byte("b")))
	require.NoError(t, s.Expire(ctx, "long", time.Hour))
	require.NoError(t, s.Push(ctx, "forever", []byte("c")))

	clock.advance(2 * time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryListStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryListStore()
	require.NoError(t, s.Push(ctx, "k", []byte("a")))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.Empty(t, values(t, s, "k"))
	if s.Name() != "memory" {
		t.Errorf("Name() = %q", s.Name())
	}
}
