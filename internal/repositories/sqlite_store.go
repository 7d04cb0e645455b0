package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLiteStore is the on-device backend. It expects a *sql.DB opened with the
// modernc.org/sqlite driver (see database.OpenSQLite).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (r *SQLiteStore) EnsureSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS offline_kv (
	              key        TEXT PRIMARY KEY,
	              value      TEXT NOT NULL,
	              updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	          )`

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create offline_kv table: %w", err)
	}
	return nil
}

func (r *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM offline_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if _, err := r.db.ExecContext(ctx, sqliteUpsertQuery, key, value); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM offline_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

func (r *SQLiteStore) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string)
	if len(keys) == 0 {
		return values, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = key
	}

	query := fmt.Sprintf(`SELECT key, value FROM offline_kv WHERE key IN (%s)`, placeholders)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return values, nil
}

func (r *SQLiteStore) MultiSet(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range pairs {
		if _, err := tx.ExecContext(ctx, sqliteUpsertQuery, key, value); err != nil {
			return fmt.Errorf("failed to set key %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit keys: %w", err)
	}
	return nil
}

const sqliteUpsertQuery = `INSERT INTO offline_kv (key, value, updated_at)
                           VALUES (?, ?, unixepoch())
                           ON CONFLICT (key) DO UPDATE
                           SET value = excluded.value, updated_at = unixepoch()`
