package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"threadrelay/internal/domain"
)

// SQLiteListStore implements domain.ListStore on a single sqlite file.
// Expiry is stored per key and enforced on read.
type SQLiteListStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteListStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteListStore(dbPath string) (*SQLiteListStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteListStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS list_items (
			seq   INTEGER PRIMARY KEY AUTOINCREMENT,
			key   TEXT NOT NULL,
			value BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_list_items_key ON list_items(key, seq);
		CREATE TABLE IF NOT EXISTS list_expiry (
			key        TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteListStore) Close() error {
	return s.db.Close()
}

// Name implements domain.ListStore.
func (s *SQLiteListStore) Name() string { return "sqlite" }

func (s *SQLiteListStore) tx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %v", domain.ErrStore, op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: %s: %v", domain.ErrStore, op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: commit: %v", domain.ErrStore, op, err)
	}
	return nil
}

// dropIfExpired removes key when its deadline has passed.
func (s *SQLiteListStore) dropIfExpired(ctx context.Context, tx *sql.Tx, key string) error {
	var expiresAt int64
	err := tx.QueryRowContext(ctx, "SELECT expires_at FROM list_expiry WHERE key = ?", key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if s.now().UnixMilli() < expiresAt {
		return nil
	}
	return deleteKey(ctx, tx, key)
}

func deleteKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM list_items WHERE key = ?", key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM list_expiry WHERE key = ?", key)
	return err
}

// Push implements domain.ListStore.
func (s *SQLiteListStore) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	return s.tx(ctx, "push", func(tx *sql.Tx) error {
		if err := s.dropIfExpired(ctx, tx, key); err != nil {
			return err
		}
		for _, v := range values {
			if _, err := tx.ExecContext(ctx, "INSERT INTO list_items (key, value) VALUES (?, ?)", key, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Range implements domain.ListStore.
func (s *SQLiteListStore) Range(ctx context.Context, key string) ([][]byte, error) {
	var out [][]byte
	err := s.tx(ctx, "range", func(tx *sql.Tx) error {
		if err := s.dropIfExpired(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, "SELECT value FROM list_items WHERE key = ? ORDER BY seq", key)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v []byte
			if err := rows.Scan(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// Trim implements domain.ListStore.
func (s *SQLiteListStore) Trim(ctx context.Context, key string, keepLast int) error {
	if keepLast <= 0 {
		return s.Delete(ctx, key)
	}
	return s.tx(ctx, "trim", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM list_items
			WHERE key = ? AND seq NOT IN (
				SELECT seq FROM list_items WHERE key = ? ORDER BY seq DESC LIMIT ?
			)`, key, key, keepLast)
		return err
	})
}

// Expire implements domain.ListStore.
func (s *SQLiteListStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	return s.tx(ctx, "expire", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM list_items WHERE key = ?", key).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO list_expiry (key, expires_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
			key, s.now().Add(ttl).UnixMilli())
		return err
	})
}

// Delete implements domain.ListStore.
func (s *SQLiteListStore) Delete(ctx context.Context, key string) error {
	return s.tx(ctx, "delete", func(tx *sql.Tx) error {
		return deleteKey(ctx, tx, key)
	})
}

// PopLast implements domain.ListStore.
func (s *SQLiteListStore) PopLast(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	return s.tx(ctx, "pop", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM list_items WHERE seq IN (
				SELECT seq FROM list_items WHERE key = ? ORDER BY seq DESC LIMIT ?
			)`, key, n)
		return err
	})
}

// Sweep removes every expired key.
func (s *SQLiteListStore) Sweep(ctx context.Context) (int, error) {
	var removed int
	err := s.tx(ctx, "sweep", func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM list_items WHERE key IN (
				SELECT key FROM list_expiry WHERE expires_at <= ?
			)`, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM list_expiry WHERE expires_at <= ?", now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = int(n)
		return err
	})
	return removed, err
}

var _ domain.ListStore = (*SQLiteListStore)(nil)
