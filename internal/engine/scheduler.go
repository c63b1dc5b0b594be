// Package engine runs the synchronization loop: it drains the change feed of
// each side through the lock table and the mapping pipeline, rejects what
// cannot be applied, and periodically retries rejected changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isometry/dirsync/internal/changes"
	"github.com/isometry/dirsync/internal/mapping"
	"github.com/isometry/dirsync/internal/state"
	"github.com/isometry/dirsync/internal/syncerr"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultBackoffInterval = 30 * time.Second
	DefaultRetryEvery      = 10

	// DefaultItemTimeout bounds the work on a single change, which is not
	// interrupted by cancellation of the run.
	DefaultItemTimeout = 2 * time.Minute
)

// Pipeline maps and applies one change. mapping.Pipeline implements it.
type Pipeline interface {
	Plan(ctx context.Context, obj *changes.SyncObject) (*mapping.Plan, error)
	Apply(ctx context.Context, plan *mapping.Plan) error
}

// CursorStore persists the position of each change feed.
type CursorStore interface {
	Get(ctx context.Context, side changes.Side) (int64, error)
	Advance(ctx context.Context, side changes.Side, pos int64) error
}

// LockStore recognizes changes the daemon wrote itself.
type LockStore interface {
	Consume(ctx context.Context, side changes.Side, identity string) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// RejectStore holds changes that failed to apply.
type RejectStore interface {
	Enqueue(ctx context.Context, rc state.RejectedChange) error
	ListPending(ctx context.Context) ([]*state.RejectedChange, error)
	Remove(ctx context.Context, side changes.Side, identity string) (bool, error)
	IncrementRetry(ctx context.Context, side changes.Side, identity string, cause error) error
}

// CycleResetter drops caches that must not outlive a cycle.
type CycleResetter interface {
	ResetCycle()
}

// Deps are the collaborators of a Scheduler. IDs is optional.
type Deps struct {
	Readers  []changes.Reader
	Pipeline Pipeline
	Cursors  CursorStore
	Locks    LockStore
	Rejects  RejectStore
	IDs      CycleResetter
}

func (d Deps) validate() error {
	if len(d.Readers) == 0 {
		return errors.New("at least one change reader is required")
	}
	if d.Pipeline == nil || d.Cursors == nil || d.Locks == nil || d.Rejects == nil {
		return errors.New("pipeline, cursors, locks and rejects are required")
	}
	return nil
}

// Stats counts what the scheduler has done since it was created.
type Stats struct {
	Cycles    int64
	Applied   int64
	Skipped   int64
	Discarded int64
	Rejected  int64
	Healed    int64
	Backoffs  int64
}

// Scheduler is the daemon main loop.
type Scheduler struct {
	Deps

	clock        Clock
	pollInterval time.Duration
	backoff      time.Duration
	retryEvery   int
	itemTimeout  time.Duration
	log          *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithPollInterval sets the pause between cycles.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pollInterval = d
	}
}

// WithBackoff sets the pause after a cycle that failed.
func WithBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		s.backoff = d
	}
}

// WithRetryEvery retries rejected changes every n cycles. Zero disables
// retries.
func WithRetryEvery(n int) Option {
	return func(s *Scheduler) {
		s.retryEvery = n
	}
}

// WithItemTimeout bounds the processing of one change.
func WithItemTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.itemTimeout = d
	}
}

// NewScheduler creates a scheduler. Readers are drained in the given order.
func NewScheduler(deps Deps, opts ...Option) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		Deps:         deps,
		clock:        RealClock(),
		pollInterval: DefaultPollInterval,
		backoff:      DefaultBackoffInterval,
		retryEvery:   DefaultRetryEvery,
		itemTimeout:  DefaultItemTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Run loops until ctx is cancelled. A failed cycle is logged and followed
// by the backoff interval; Run itself only returns on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "scheduler started",
		"poll_interval", s.pollInterval, "backoff", s.backoff, "retry_every", s.retryEvery)

	for {
		err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.log.InfoContext(ctx, "scheduler stopped", "cycles", s.Stats().Cycles)
			return nil
		}

		wait := s.pollInterval
		if err != nil {
			s.count(func(st *Stats) { st.Backoffs++ })
			if errors.Is(err, syncerr.ErrTransient) {
				s.log.WarnContext(ctx, "directory unreachable, backing off", "error", err, "backoff", s.backoff)
			} else {
				s.log.ErrorContext(ctx, "cycle failed, backing off", "error", err, "backoff", s.backoff)
			}
			wait = s.backoff
		}

		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "scheduler stopped", "cycles", s.Stats().Cycles)
			return nil
		case <-s.clock.After(wait):
		}
	}
}

// RunCycle runs one cycle: purge expired locks, drain every reader in
// order, and retry rejected changes when the cadence is due. It stops at
// the first error that is not scoped to a single object.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.mu.Lock()
	s.stats.Cycles++
	cycle := s.stats.Cycles
	s.mu.Unlock()

	log := s.log.With("cycle", cycle, "cycle_id", uuid.NewString())
	start := s.clock.Now()

	if n, err := s.Locks.PurgeExpired(ctx); err != nil {
		log.WarnContext(ctx, "failed to purge expired locks", "error", err)
	} else if n > 0 {
		log.DebugContext(ctx, "purged expired locks", "count", n)
	}
	if s.IDs != nil {
		s.IDs.ResetCycle()
	}

	for _, r := range s.Readers {
		if err := s.drain(ctx, log, r); err != nil {
			return err
		}
	}

	if s.retryEvery > 0 && cycle%int64(s.retryEvery) == 0 {
		if err := s.retryRejected(ctx, log); err != nil {
			return err
		}
	}

	log.DebugContext(ctx, "cycle complete", "took", s.clock.Now().Sub(start))
	return nil
}

// drain polls r until it has nothing new. The cursor advances past each
// object once it is applied, discarded or rejected, and past the batch
// high-water mark once the batch is done.
func (s *Scheduler) drain(ctx context.Context, log *slog.Logger, r changes.Reader) error {
	side := r.Side()
	log = log.With("side", side)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cursor, err := s.Cursors.Get(ctx, side)
		if err != nil {
			return err
		}
		batch, err := r.Poll(ctx, cursor)
		if err != nil {
			return fmt.Errorf("poll %s: %w", side, err)
		}
		if !batch.Empty() {
			log.DebugContext(ctx, "polled changes", "cursor", cursor, "count", len(batch.Objects), "position", batch.Position)
		}

		for _, obj := range batch.Objects {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.complete(ctx, log, r, obj, cursor); err != nil {
				return err
			}
			cursor = max(cursor, obj.Position)
		}
		if batch.Position > cursor {
			if err := s.Cursors.Advance(context.WithoutCancel(ctx), side, batch.Position); err != nil {
				return err
			}
		}

		if batch.Empty() {
			return nil
		}
	}
}

// itemContext detaches ctx from cancellation so that a shutdown lets the
// change in hand finish, including its bookkeeping.
func (s *Scheduler) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.itemTimeout)
}

// complete processes obj and moves the cursor past it.
func (s *Scheduler) complete(ctx context.Context, log *slog.Logger, r changes.Reader, obj *changes.SyncObject, cursor int64) error {
	ctx, cancel := s.itemContext(ctx)
	defer cancel()

	if err := s.process(ctx, log, r, obj); err != nil {
		return err
	}
	if obj.Position > cursor {
		return s.Cursors.Advance(ctx, r.Side(), obj.Position)
	}
	return nil
}

// process handles one change. Only errors that must stop the cycle are
// returned; everything scoped to the object ends up in the reject queue.
func (s *Scheduler) process(ctx context.Context, log *slog.Logger, r changes.Reader, obj *changes.SyncObject) error {
	log = log.With("dn", obj.Identity, "change", obj.ChangeType, "position", obj.Position)

	echo, err := s.Locks.Consume(ctx, obj.Side, obj.Identity)
	if err != nil {
		return err
	}
	if echo {
		log.DebugContext(ctx, "discarded echo of own write")
		s.count(func(st *Stats) { st.Discarded++ })
		s.acknowledge(ctx, log, r, obj)
		return nil
	}

	applied, err := s.apply(ctx, log, obj)
	switch {
	case err == nil:
		if _, err := s.Rejects.Remove(ctx, obj.Side, obj.Identity); err != nil {
			log.WarnContext(ctx, "failed to clear superseded reject", "error", err)
		}
		s.count(func(st *Stats) {
			if applied {
				st.Applied++
			} else {
				st.Skipped++
			}
		})
	case errors.Is(err, syncerr.ErrTransient):
		return err
	default:
		log.WarnContext(ctx, "change rejected", "reason", err, "kind", syncerr.Classify(err).String())
		if err := s.Rejects.Enqueue(ctx, state.RejectedChange{
			Side:     obj.Side,
			Identity: obj.Identity,
			Position: obj.Position,
			Payload:  obj,
			Reason:   err.Error(),
		}); err != nil {
			return err
		}
		s.count(func(st *Stats) { st.Rejected++ })
	}

	s.acknowledge(ctx, log, r, obj)
	return nil
}

// apply plans and applies obj. It reports whether anything was written.
func (s *Scheduler) apply(ctx context.Context, log *slog.Logger, obj *changes.SyncObject) (bool, error) {
	plan, err := s.Pipeline.Plan(ctx, obj)
	if err != nil {
		return false, err
	}
	if plan.Op == mapping.OpNone {
		log.DebugContext(ctx, "nothing to do", "reason", plan.Reason)
		return false, nil
	}
	if err := s.Pipeline.Apply(ctx, plan); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) acknowledge(ctx context.Context, log *slog.Logger, r changes.Reader, obj *changes.SyncObject) {
	ack, ok := r.(changes.Acknowledger)
	if !ok {
		return
	}
	if err := ack.Acknowledge(ctx, obj); err != nil {
		log.WarnContext(ctx, "failed to record processed change", "error", err)
	}
}

func (s *Scheduler) reader(side changes.Side) changes.Reader {
	for _, r := range s.Readers {
		if r.Side() == side {
			return r
		}
	}
	return nil
}

// retryRejected re-applies every pending reject. Objects are re-read from
// their source so the retry carries current state; deletes replay their
// payload.
func (s *Scheduler) retryRejected(ctx context.Context, log *slog.Logger) error {
	pending, err := s.Rejects.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	log.InfoContext(ctx, "retrying rejected changes", "count", len(pending))

	for _, rc := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.retry(ctx, log, rc); err != nil {
			return err
		}
	}
	return nil
}

// retry re-applies one reject. Only transient and store errors are
// returned.
func (s *Scheduler) retry(ctx context.Context, log *slog.Logger, rc *state.RejectedChange) error {
	ctx, cancel := s.itemContext(ctx)
	defer cancel()
	log = log.With("side", rc.Side, "dn", rc.Identity, "attempt", rc.RetryCount+1)

	obj, err := s.refresh(ctx, rc)
	if err != nil {
		if errors.Is(err, syncerr.ErrTransient) {
			return err
		}
		s.retryFailed(ctx, log, rc, err)
		return nil
	}
	if obj == nil {
		log.InfoContext(ctx, "dropping rejected change, source entry is gone")
		_, err := s.Rejects.Remove(ctx, rc.Side, rc.Identity)
		return err
	}

	if _, err := s.apply(ctx, log, obj); err != nil {
		if errors.Is(err, syncerr.ErrTransient) {
			return err
		}
		s.retryFailed(ctx, log, rc, err)
		return nil
	}

	if _, err := s.Rejects.Remove(ctx, rc.Side, rc.Identity); err != nil {
		return err
	}
	log.InfoContext(ctx, "rejected change applied")
	s.count(func(st *Stats) { st.Healed++ })
	return nil
}

// refresh returns the object to retry for rc, or nil when the source entry
// no longer exists.
func (s *Scheduler) refresh(ctx context.Context, rc *state.RejectedChange) (*changes.SyncObject, error) {
	obj := rc.Payload
	if obj.ChangeType == changes.ChangeDelete {
		return obj, nil
	}
	r := s.reader(rc.Side)
	if r == nil {
		return obj, nil
	}

	current, err := r.Fetch(ctx, obj.Identity)
	if err != nil || current == nil {
		return nil, err
	}
	retry := *obj
	retry.Attributes = current.Attributes
	if current.GUID != "" {
		retry.GUID = current.GUID
	}
	return &retry, nil
}

func (s *Scheduler) retryFailed(ctx context.Context, log *slog.Logger, rc *state.RejectedChange, cause error) {
	log.WarnContext(ctx, "rejected change failed again", "reason", cause)
	if err := s.Rejects.IncrementRetry(ctx, rc.Side, rc.Identity, cause); err != nil {
		log.ErrorContext(ctx, "failed to record retry", "error", err)
	}
}
