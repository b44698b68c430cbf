// Package postgres provides Postgres-backed implementations of the shared
// store contracts. Expiry uses per-row timestamps; reads filter expired rows
// so behavior matches the TTL semantics of the memory store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedsentry/feedsentry/internal/store"
)

// Schema expected by this package:
//
//	CREATE TABLE kv_entries (
//	    key        TEXT PRIMARY KEY,
//	    value      BYTEA NOT NULL,
//	    expires_at TIMESTAMPTZ
//	);
//	CREATE TABLE kv_locks (
//	    name       TEXT PRIMARY KEY,
//	    owner      TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// KV implements store.KV on a Postgres table with last-writer-wins upserts.
type KV struct {
	pool dbPool
}

// NewKV connects a pool using the provided config.
func NewKV(ctx context.Context, cfg Config) (*KV, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &KV{pool: pool}, nil
}

// NewKVWithPool constructs a KV from an existing pool (primarily for testing).
func NewKVWithPool(pool dbPool) (*KV, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &KV{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (k *KV) Close() {
	if k == nil || k.pool == nil {
		return
	}
	k.pool.Close()
}

// Get returns the value for key or store.ErrNotFound.
func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
SELECT value FROM kv_entries
WHERE key = $1 AND (expires_at IS NULL OR expires_at > now());`
	var value []byte
	if err := k.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Put upserts the value; ttl <= 0 stores the key without expiry.
func (k *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = time.Now().UTC().Add(ttl)
	}
	query := `
INSERT INTO kv_entries (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at;`
	if _, err := k.pool.Exec(ctx, query, key, value, expires); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes the key.
func (k *KV) Delete(ctx context.Context, key string) error {
	if _, err := k.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1;`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// List returns unexpired keys with the prefix.
func (k *KV) List(ctx context.Context, prefix string) ([]string, error) {
	query := `
SELECT key FROM kv_entries
WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now())
ORDER BY key;`
	rows, err := k.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return keys, nil
}

// PurgeExpired removes expired rows; intended for a periodic janitor.
func (k *KV) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := k.pool.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now();`)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
