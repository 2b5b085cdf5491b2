package main

import (
	"context"
	"fmt"
	"log/slog"

	"threadrelay/internal/adapter/store"
	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/security"
)

// redisKeyPrefix namespaces conversation keys in a shared redis.
const redisKeyPrefix = "threadrelay:"

// historySalt is the key-derivation salt for sealed history. Changing it
// makes existing sealed history unreadable.
var historySalt = []byte("threadrelay/history/v1")

// storeComponents holds the history backend and what must be released with it.
type storeComponents struct {
	List    domain.ListStore
	closers []func()
}

// Close stops the janitor and releases the backend.
func (s *storeComponents) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// initStore opens the configured history backend. The memory and sqlite
// backends get a janitor that reclaims expired conversations.
func initStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storeComponents, error) {
	sc := &storeComponents{}
	var sweeper store.Sweeper

	switch cfg.History.Backend {
	case "redis":
		rs, err := store.NewRedisListStore(ctx, cfg.History.Redis.URL, redisKeyPrefix)
		if err != nil {
			return nil, err
		}
		sc.List = rs
		sc.closers = append(sc.closers, func() { _ = rs.Close() })
	case "sqlite":
		ss, err := store.NewSQLiteListStore(cfg.History.SQLite.Path)
		if err != nil {
			return nil, err
		}
		sc.List = ss
		sweeper = ss
		sc.closers = append(sc.closers, func() { _ = ss.Close() })
	case "memory", "":
		ms := store.NewMemoryListStore()
		sc.List = ms
		sweeper = ms
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}

	if sweeper != nil && cfg.History.Memory.Sweep != "" {
		j, err := store.NewJanitor(cfg.History.Memory.Sweep, sweeper, log)
		if err != nil {
			sc.Close()
			return nil, err
		}
		j.Start()
		sc.closers = append(sc.closers, j.Stop)
	}

	if key := cfg.History.EncryptionKey; key != "" {
		sealer, err := security.NewSealer(key, historySalt)
		if err != nil {
			sc.Close()
			return nil, err
		}
		sc.List = store.NewSealedListStore(sc.List, sealer)
	}

	log.Info("history store ready", "backend", sc.List.Name(), "source", cfg.History.Source)
	return sc, nil
}
