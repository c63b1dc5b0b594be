package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isometry/dirsync/internal/changes"
)

// DefaultLockTTL bounds how long a written change waits for its echo.
const DefaultLockTTL = 5 * time.Minute

// LockTable records changes the daemon wrote itself so that the mirrored
// event read back from the target side can be discarded. Locks are
// single-use and expire after the TTL.
type LockTable struct {
	s   *Store
	ttl time.Duration
}

func (l *LockTable) cutoff() int64 {
	ttl := l.ttl
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return l.s.now().Add(-ttl).UnixMicro()
}

// Lock records that identity on side is about to be written.
func (l *LockTable) Lock(ctx context.Context, side changes.Side, identity string) error {
	_, err := l.s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO locks (side, identity, created_at) VALUES (?, ?, ?)",
		string(side), NormalizeIdentity(identity), l.s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to lock %s %s: %w", side, identity, err)
	}
	return nil
}

// IsLocked reports whether an unexpired lock exists.
func (l *LockTable) IsLocked(ctx context.Context, side changes.Side, identity string) (bool, error) {
	var createdAt int64
	err := l.s.db.GetContext(ctx, &createdAt,
		"SELECT created_at FROM locks WHERE side = ? AND identity = ?",
		string(side), NormalizeIdentity(identity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lock %s %s: %w", side, identity, err)
	}
	return createdAt > l.cutoff(), nil
}

// Unlock removes a lock whether or not it expired.
func (l *LockTable) Unlock(ctx context.Context, side changes.Side, identity string) error {
	_, err := l.s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE side = ? AND identity = ?",
		string(side), NormalizeIdentity(identity))
	if err != nil {
		return fmt.Errorf("failed to unlock %s %s: %w", side, identity, err)
	}
	return nil
}

// Consume removes the lock and reports whether it was held and unexpired.
// The check and removal happen in one transaction.
func (l *LockTable) Consume(ctx context.Context, side changes.Side, identity string) (bool, error) {
	key := NormalizeIdentity(identity)

	tx, err := l.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt int64
	err = tx.GetContext(ctx, &createdAt,
		"SELECT created_at FROM locks WHERE side = ? AND identity = ?", string(side), key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s %s: %w", side, identity, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM locks WHERE side = ? AND identity = ?", string(side), key); err != nil {
		return false, fmt.Errorf("failed to consume lock %s %s: %w", side, identity, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock consumption: %w", err)
	}

	return createdAt > l.cutoff(), nil
}

// Purge removes locks created before olderThan and returns how many went.
func (l *LockTable) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.s.db.ExecContext(ctx, "DELETE FROM locks WHERE created_at < ?", olderThan.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge locks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpired removes every lock older than the TTL.
func (l *LockTable) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.s.db.ExecContext(ctx, "DELETE FROM locks WHERE created_at <= ?", l.cutoff())
	if err != nil {
		return 0, fmt.Errorf("failed to purge locks: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored locks, expired or not.
func (l *LockTable) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM locks"); err != nil {
		return 0, fmt.Errorf("failed to count locks: %w", err)
	}
	return n, nil
}
