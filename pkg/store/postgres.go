package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore is the production EntityStore: one table, JSONB values,
// upsert semantics. The *sql.DB is expected to be opened through otelsql so
// every query is traced.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the entities table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			kind  TEXT NOT NULL,
			key   TEXT NOT NULL,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, key)
		)`)
	if err != nil {
		return fmt.Errorf("create entities table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM entities WHERE kind = $1 AND key = $2",
		kind, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, kind, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entities (kind, key, value, updated_at) VALUES ($1, $2, $3, NOW()) "+
			"ON CONFLICT (kind, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()",
		kind, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, kind, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entities WHERE kind = $1 AND key = $2", kind, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context, kind string, fn func(key string, value []byte) bool) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM entities WHERE kind = $1 ORDER BY key", kind)
	if err != nil {
		return fmt.Errorf("scan %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan %s: %w", kind, err)
		}
		if !fn(key, value) {
			return nil
		}
	}
	return rows.Err()
}
