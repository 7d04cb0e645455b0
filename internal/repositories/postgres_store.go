package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the key-value table when it does not exist yet.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS offline_kv (
	              key        TEXT PRIMARY KEY,
	              value      TEXT NOT NULL,
	              updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	          )`

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create offline_kv table: %w", err)
	}
	return nil
}

func (r *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM offline_kv WHERE key = $1`

	var value string
	err := r.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

func (r *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := r.pool.Exec(ctx, upsertQuery, key, value); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *PostgresStore) Remove(ctx context.Context, key string) error {
	query := `DELETE FROM offline_kv WHERE key = $1`

	if _, err := r.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

func (r *PostgresStore) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string)
	if len(keys) == 0 {
		return values, nil
	}

	query := `SELECT key, value FROM offline_kv WHERE key = ANY($1)`

	rows, err := r.pool.Query(ctx, query, keys)
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

// MultiSet writes all pairs in a single transaction.
func (r *PostgresStore) MultiSet(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for key, value := range pairs {
		batch.Queue(upsertQuery, key, value)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to set keys: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit keys: %w", err)
	}
	return nil
}

const upsertQuery = `INSERT INTO offline_kv (key, value, updated_at)
                     VALUES ($1, $2, NOW())
                     ON CONFLICT (key) DO UPDATE
                     SET value = EXCLUDED.value, updated_at = NOW()`
