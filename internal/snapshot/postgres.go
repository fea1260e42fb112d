package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS oasis_snapshots (
    component  TEXT PRIMARY KEY,
    blob       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps one row per component in oasis_snapshots.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures the snapshot table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("snapshot: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("snapshot: ensure table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts the component's blob.
func (s *PostgresStore) Save(ctx context.Context, component string, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oasis_snapshots (component, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (component)
		DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`,
		component, blob,
	)
	if err != nil {
		return fmt.Errorf("snapshot: save %s: %w", component, err)
	}
	return nil
}

// Load retrieves the component's blob.
func (s *PostgresStore) Load(ctx context.Context, component string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT blob FROM oasis_snapshots WHERE component = $1`, component,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, component)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", component, err)
	}
	return blob, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
