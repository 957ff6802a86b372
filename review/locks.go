package review

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"eventportal/db"
	"eventportal/logging"
	"eventportal/metrics"
)

// DefaultLockTimeout is how long a reviewer keeps an application before it
// returns to the pool. Expiry is wall-clock; activity does not renew it.
const DefaultLockTimeout = time.Hour

// LockManager owns the advisory review lock on applications.
type LockManager struct {
	pool    db.TxBeginner
	repo    Repository
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewLockManager(pool db.TxBeginner, repo Repository, timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{
		pool:    pool,
		repo:    repo,
		timeout: timeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
}

func (m *LockManager) WithClock(now func() time.Time) *LockManager {
	m.now = now
	return m
}

func (m *LockManager) WithLogger(l *zap.Logger) *LockManager {
	m.logger = logging.OrNop(l)
	return m
}

func (m *LockManager) Timeout() time.Duration { return m.timeout }

// Expired reports whether a lock taken at lockedAt has lapsed at now. A lock
// is still held at exactly lockedAt+timeout.
func (m *LockManager) Expired(lockedAt *time.Time, now time.Time) bool {
	if lockedAt == nil {
		return false
	}
	return now.Sub(*lockedAt) > m.timeout
}

// Holds reports whether reviewerID holds a live lock on app.
func (m *LockManager) Holds(app Application, reviewerID string) bool {
	return app.LockedBy != nil && *app.LockedBy == reviewerID && !m.Expired(app.LockedAt, m.now())
}

// IsLockedByOther reports whether someone other than reviewerID holds a live
// lock on app.
func (m *LockManager) IsLockedByOther(app Application, reviewerID string) bool {
	return app.LockedBy != nil && *app.LockedBy != reviewerID && !m.Expired(app.LockedAt, m.now())
}

// ReleaseExpired clears every lapsed lock, skipped applications included, in
// its own transaction. It returns how many applications were released.
func (m *LockManager) ReleaseExpired(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.timeout)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("review: release expired: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	released, err := m.repo.ReleaseExpired(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("review: release expired: commit: %w", err)
	}

	for _, rl := range released {
		fields := []zap.Field{zap.String("application_id", rl.ApplicationID)}
		if rl.PreviousHolder != nil {
			fields = append(fields, zap.String("previous_holder", *rl.PreviousHolder))
		}
		m.logger.Info("expired review lock released", fields...)
	}
	metrics.LocksReleased.WithLabelValues(metrics.ReleaseExpired).Add(float64(len(released)))
	return len(released), nil
}

// Acquire locks id to reviewerID, overwriting any previous holder. The caller
// must already hold the row lock and have ruled out a live foreign lock.
// Re-acquiring one's own lock refreshes its timestamp.
func (m *LockManager) Acquire(ctx context.Context, tx pgx.Tx, app Application, reviewerID, source string) (Application, error) {
	eventType := EventLockAcquired
	if app.LockedBy != nil && *app.LockedBy == reviewerID {
		eventType = EventLockRefreshed
	}

	locked, err := m.repo.SetLock(ctx, tx, app.ID, reviewerID, m.now())
	if err != nil {
		return Application{}, err
	}
	if err := m.repo.AppendEvent(ctx, tx, Event{
		ApplicationID: locked.ID,
		ActorID:       &reviewerID,
		Type:          eventType,
		Payload:       map[string]any{"source": source},
	}); err != nil {
		return Application{}, err
	}
	return locked, nil
}

// Release clears app's lock if reviewerID holds it, expired or not, and is a
// no-op otherwise.
func (m *LockManager) Release(ctx context.Context, tx pgx.Tx, app Application, reviewerID string) (Application, bool, error) {
	if app.LockedBy == nil || *app.LockedBy != reviewerID {
		return app, false, nil
	}

	released, err := m.repo.ClearLock(ctx, tx, app.ID)
	if err != nil {
		return Application{}, false, err
	}
	if err := m.repo.AppendEvent(ctx, tx, Event{
		ApplicationID: released.ID,
		ActorID:       &reviewerID,
		Type:          EventLockReleased,
		Payload:       map[string]any{"reason": metrics.ReleaseManual},
	}); err != nil {
		return Application{}, false, err
	}
	return released, true, nil
}

// ReleaseAll clears every lock held by reviewerID inside tx. reason is
// recorded in the audit trail and metrics.
func (m *LockManager) ReleaseAll(ctx context.Context, tx pgx.Tx, reviewerID, reason string) (int, error) {
	released, err := m.repo.ReleaseHeldBy(ctx, tx, reviewerID, reason)
	if err != nil {
		return 0, err
	}
	if len(released) > 0 {
		m.logger.Info("reviewer locks released",
			zap.String("reviewer_id", reviewerID),
			zap.String("reason", reason),
			zap.Int("count", len(released)),
		)
	}
	metrics.LocksReleased.WithLabelValues(reason).Add(float64(len(released)))
	return len(released), nil
}
