package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"threadrelay/internal/domain"
)

// redisListAPI is the subset of the go-redis client the list store uses.
type redisListAPI interface {
	RPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *goredis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	RPopCount(ctx context.Context, key string, count int) *goredis.StringSliceCmd
}

// RedisListStore implements domain.ListStore on redis lists.
type RedisListStore struct {
	client redisListAPI
	prefix string
	closer func() error
}

// NewRedisListStore connects to the redis URL (redis://host:port/db) and
// verifies the connection with a PING.
func NewRedisListStore(ctx context.Context, url, prefix string) (*RedisListStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", domain.ErrStore, err)
	}
	return &RedisListStore{client: client, prefix: prefix, closer: client.Close}, nil
}

func newRedisListStoreWithClient(client redisListAPI, prefix string) *RedisListStore {
	return &RedisListStore{client: client, prefix: prefix, closer: func() error { return nil }}
}

func (s *RedisListStore) key(k string) string { return s.prefix + k }

// Name implements domain.ListStore.
func (s *RedisListStore) Name() string { return "redis" }

// Push implements domain.ListStore.
func (s *RedisListStore) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, s.key(key), args...).Err(); err != nil {
		return fmt.Errorf("%w: rpush: %v", domain.ErrStore, err)
	}
	return nil
}

// Range implements domain.ListStore.
func (s *RedisListStore) Range(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.key(key), 0, -1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: lrange: %v", domain.ErrStore, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Trim implements domain.ListStore.
func (s *RedisListStore) Trim(ctx context.Context, key string, keepLast int) error {
	if keepLast <= 0 {
		// LTRIM key -0 -1 would keep everything.
		return s.Delete(ctx, key)
	}
	if err := s.client.LTrim(ctx, s.key(key), int64(-keepLast), -1).Err(); err != nil {
		return fmt.Errorf("%w: ltrim: %v", domain.ErrStore, err)
	}
	return nil
}

// Expire implements domain.ListStore.
func (s *RedisListStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire: %v", domain.ErrStore, err)
	}
	return nil
}

// Delete implements domain.ListStore.
func (s *RedisListStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", domain.ErrStore, err)
	}
	return nil
}

// PopLast implements domain.ListStore.
func (s *RedisListStore) PopLast(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	err := s.client.RPopCount(ctx, s.key(key), n).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%w: rpop: %v", domain.ErrStore, err)
	}
	return nil
}

// Close releases the redis connection pool.
func (s *RedisListStore) Close() error {
	return s.closer()
}

var _ domain.ListStore = (*RedisListStore)(nil)
