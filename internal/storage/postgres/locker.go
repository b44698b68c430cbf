package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feedsentry/feedsentry/internal/store"
)

// Locker implements store.Locker as lease rows in Postgres. A lock is a row
// keyed by name; a stale lease (past expires_at) can be taken over, so a
// crashed holder never wedges its stream.
type Locker struct {
	pool dbPool
}

// NewLocker builds a Locker sharing the KV's pool.
func NewLocker(kv *KV) *Locker {
	return &Locker{pool: kv.pool}
}

// NewLockerWithPool constructs a Locker from an existing pool (for testing).
func NewLockerWithPool(pool dbPool) *Locker {
	return &Locker{pool: pool}
}

// Acquire takes the named lease or returns store.ErrLockHeld. The insert only
// displaces an existing row whose lease has expired.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (store.Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0")
	}
	owner := uuid.NewString()
	query := `
INSERT INTO kv_locks (name, owner, expires_at)
VALUES ($1, $2, now() + $3)
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE kv_locks.expires_at <= now();`
	tag, err := l.pool.Exec(ctx, query, name, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrLockHeld
	}
	return &pgLock{pool: l.pool, name: name, owner: owner}, nil
}

type pgLock struct {
	pool  dbPool
	name  string
	owner string
}

// Release deletes the lease if this owner still holds it.
func (p *pgLock) Release(ctx context.Context) error {
	query := `DELETE FROM kv_locks WHERE name = $1 AND owner = $2;`
	if _, err := p.pool.Exec(ctx, query, p.name, p.owner); err != nil {
		return fmt.Errorf("release lock %q: %w", p.name, err)
	}
	return nil
}
