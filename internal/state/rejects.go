package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isometry/dirsync/internal/changes"
)

// RejectedChange is a change that failed to apply and waits for a retry.
type RejectedChange struct {
	Side          changes.Side
	Identity      string
	Position      int64
	Payload       *changes.SyncObject
	Reason        string
	RetryCount    int
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
}

// Age returns how long the change has been pending.
func (r *RejectedChange) Age(now time.Time) time.Duration {
	return now.Sub(r.EnqueuedAt)
}

type dbReject struct {
	Side          string `db:"side"`
	Key           string `db:"key"`
	Identity      string `db:"identity"`
	Position      int64  `db:"position"`
	Payload       []byte `db:"payload"`
	Reason        string `db:"reason"`
	RetryCount    int    `db:"retry_count"`
	EnqueuedAt    string `db:"enqueued_at"`
	LastAttemptAt string `db:"last_attempt_at"`
}

func (r dbReject) decode() (*RejectedChange, error) {
	obj, err := changes.UnmarshalSyncObject(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("reject %s %s: %w", r.Side, r.Identity, err)
	}
	return &RejectedChange{
		Side:          changes.Side(r.Side),
		Identity:      r.Identity,
		Position:      r.Position,
		Payload:       obj,
		Reason:        r.Reason,
		RetryCount:    r.RetryCount,
		EnqueuedAt:    parseTimestamp(r.EnqueuedAt),
		LastAttemptAt: parseTimestamp(r.LastAttemptAt),
	}, nil
}

const rejectColumns = "side, key, identity, position, payload, reason, retry_count, enqueued_at, last_attempt_at"

// RejectQueue is the durable queue of changes that failed to apply. Entries
// are keyed by side and identity and stay until they apply successfully.
type RejectQueue struct {
	s *Store
}

// Enqueue stores rc. Re-enqueueing a pending key replaces its payload,
// position, and reason while keeping its enqueue time and retry count.
func (q *RejectQueue) Enqueue(ctx context.Context, rc RejectedChange) error {
	if rc.Payload == nil {
		return errors.New("rejected change has no payload")
	}
	if rc.Identity == "" {
		rc.Identity = rc.Payload.Identity
	}
	if rc.Side == "" {
		rc.Side = rc.Payload.Side
	}
	if rc.Position == 0 {
		rc.Position = rc.Payload.Position
	}

	payload, err := rc.Payload.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode rejected change %s: %w", rc.Identity, err)
	}

	now := q.s.timestamp()
	row := dbReject{
		Side:          string(rc.Side),
		Key:           NormalizeIdentity(rc.Identity),
		Identity:      rc.Identity,
		Position:      rc.Position,
		Payload:       payload,
		Reason:        rc.Reason,
		RetryCount:    rc.RetryCount,
		EnqueuedAt:    now,
		LastAttemptAt: now,
	}

	_, err = q.s.db.NamedExecContext(ctx, `
		INSERT INTO rejects (`+rejectColumns+`)
		VALUES (:side, :key, :identity, :position, :payload, :reason, :retry_count, :enqueued_at, :last_attempt_at)
		ON CONFLICT(side, key) DO UPDATE SET
			identity = excluded.identity,
			position = excluded.position,
			payload = excluded.payload,
			reason = excluded.reason,
			last_attempt_at = excluded.last_attempt_at`, row)
	if err != nil {
		return fmt.Errorf("failed to enqueue rejected change %s: %w", rc.Identity, err)
	}
	q.s.log.DebugContext(ctx, "change rejected", "side", rc.Side, "dn", rc.Identity, "reason", rc.Reason)
	return nil
}

// ListPending returns every pending change, LDAP side first, each side in
// position order.
func (q *RejectQueue) ListPending(ctx context.Context) ([]*RejectedChange, error) {
	var rows []dbReject
	err := q.s.db.SelectContext(ctx, &rows, `
		SELECT `+rejectColumns+` FROM rejects
		ORDER BY CASE side WHEN 'ldap' THEN 0 ELSE 1 END, position, enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejected changes: %w", err)
	}

	out := make([]*RejectedChange, 0, len(rows))
	for _, row := range rows {
		rc, err := row.decode()
		if err != nil {
			q.s.log.WarnContext(ctx, "skipping undecodable rejected change", "side", row.Side, "dn", row.Identity, "error", err)
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

// Get returns one pending change, or nil.
func (q *RejectQueue) Get(ctx context.Context, side changes.Side, identity string) (*RejectedChange, error) {
	var row dbReject
	err := q.s.db.GetContext(ctx, &row,
		"SELECT "+rejectColumns+" FROM rejects WHERE side = ? AND key = ?",
		string(side), NormalizeIdentity(identity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rejected change %s: %w", identity, err)
	}
	return row.decode()
}

// Remove deletes a pending change after it applied. It reports whether an
// entry existed.
func (q *RejectQueue) Remove(ctx context.Context, side changes.Side, identity string) (bool, error) {
	res, err := q.s.db.ExecContext(ctx,
		"DELETE FROM rejects WHERE side = ? AND key = ?", string(side), NormalizeIdentity(identity))
	if err != nil {
		return false, fmt.Errorf("failed to remove rejected change %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementRetry records another failed attempt. A non-nil cause replaces the
// stored reason.
func (q *RejectQueue) IncrementRetry(ctx context.Context, side changes.Side, identity string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := q.s.db.ExecContext(ctx, `
		UPDATE rejects SET
			retry_count = retry_count + 1,
			last_attempt_at = ?,
			reason = CASE WHEN ? = '' THEN reason ELSE ? END
		WHERE side = ? AND key = ?`,
		q.s.timestamp(), reason, reason, string(side), NormalizeIdentity(identity))
	if err != nil {
		return fmt.Errorf("failed to update rejected change %s: %w", identity, err)
	}
	return nil
}

// Count returns the number of pending changes.
func (q *RejectQueue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM rejects"); err != nil {
		return 0, fmt.Errorf("failed to count rejected changes: %w", err)
	}
	return n, nil
}
