package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventportal/db"
	"eventportal/logging"
	"eventportal/metrics"
)

// Lock sources recorded with acquisitions.
const (
	SourceQueue  = "queue"
	SourceDirect = "direct"
)

// Service hands pending applications of one form to reviewers and records
// their decisions.
type Service struct {
	pool    db.TxBeginner
	repo    Repository
	locks   *LockManager
	formKey string
	now     func() time.Time
	logger  *zap.Logger
}

func NewService(pool db.TxBeginner, repo Repository, locks *LockManager, formKey string) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		locks:   locks,
		formKey: formKey,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
}

// WithClock sets the clock on the service and its lock manager.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.locks.WithClock(now)
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	s.logger = logging.OrNop(l)
	return s
}

func (s *Service) FormKey() string { return s.formKey }

// sweep releases lapsed locks before a lock-sensitive read. Failures are
// logged and never fail the caller.
func (s *Service) sweep(ctx context.Context) {
	if _, err := s.locks.ReleaseExpired(ctx); err != nil {
		s.logger.Warn("release expired locks failed", zap.Error(err))
	}
}

// Next claims the next application in the reviewer's queue: untouched
// applications first, then skipped ones, oldest first within each group.
func (s *Service) Next(ctx context.Context, reviewerID string) (Application, error) {
	s.sweep(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("review: next: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.ClaimNext(ctx, tx, s.formKey, reviewerID, s.now())
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			metrics.QueueEmpty.Inc()
		}
		return Application{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, Event{
		ApplicationID: app.ID,
		ActorID:       &reviewerID,
		Type:          EventLockAcquired,
		Payload:       map[string]any{"source": SourceQueue},
	}); err != nil {
		return Application{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("review: next: commit: %w", err)
	}

	metrics.LocksAcquired.WithLabelValues(SourceQueue).Inc()
	s.logger.Debug("application claimed", zap.String("application_id", app.ID), zap.String("reviewer_id", reviewerID))
	return app, nil
}

// Open returns one application for a reviewer who asked for it by id. A live
// lock held by someone else makes the result read-only; otherwise a pending
// application is locked to the reviewer as a side effect.
func (s *Service) Open(ctx context.Context, id, reviewerID string) (View, error) {
	id, err := parseID(id)
	if err != nil {
		return View{}, err
	}
	s.sweep(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return View{}, fmt.Errorf("review: open: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return View{}, err
	}
	if s.locks.IsLockedByOther(app, reviewerID) {
		return View{Application: app, LockedByOther: true}, nil
	}
	if app.Status != StatusPending {
		return View{Application: app}, nil
	}

	locked, err := s.locks.Acquire(ctx, tx, app, reviewerID, SourceDirect)
	if err != nil {
		return View{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return View{}, fmt.Errorf("review: open: commit: %w", err)
	}

	metrics.LocksAcquired.WithLabelValues(SourceDirect).Inc()
	return View{Application: locked}, nil
}

// Decide records a reviewer's decision on an application they hold a live
// lock on. Lock ownership is checked before the decision value, so a
// non-holder always gets ErrLockNotHeld.
func (s *Service) Decide(ctx context.Context, id, reviewerID, decision string) (Application, error) {
	id, err := parseID(id)
	if err != nil {
		return Application{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("review: decide: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Application{}, err
	}
	if !s.locks.Holds(app, reviewerID) {
		return Application{}, ErrLockNotHeld
	}

	d, err := ParseDecision(decision)
	if err != nil {
		return Application{}, err
	}

	now := s.now()
	update := DecisionUpdate{Status: d.Status()}
	eventType := EventDecisionRecorded
	releaseReason := metrics.ReleaseDecision
	if d == DecisionPending {
		// Skip: no holder, but a fresh timestamp queues it behind untouched work.
		update.LockedAt = &now
		eventType = EventApplicationSkipped
		releaseReason = metrics.ReleaseSkip
	} else {
		update.DecidedBy = &reviewerID
		update.DecidedAt = &now
	}

	decided, err := s.repo.ApplyDecision(ctx, tx, id, update)
	if err != nil {
		return Application{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, Event{
		ApplicationID: id,
		ActorID:       &reviewerID,
		Type:          eventType,
		Payload:       map[string]any{"decision": string(d), "previous_status": string(app.Status)},
	}); err != nil {
		return Application{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("review: decide: commit: %w", err)
	}

	metrics.Decisions.WithLabelValues(string(d)).Inc()
	metrics.LocksReleased.WithLabelValues(releaseReason).Inc()
	s.logger.Info("decision recorded",
		zap.String("application_id", id),
		zap.String("reviewer_id", reviewerID),
		zap.String("decision", string(d)),
	)
	return decided, nil
}

// ReleaseLock gives up the reviewer's lock on an application. It reports
// false, without error, when the reviewer did not hold the lock.
func (s *Service) ReleaseLock(ctx context.Context, id, reviewerID string) (bool, error) {
	id, err := parseID(id)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("review: release lock: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	_, released, err := s.locks.Release(ctx, tx, app, reviewerID)
	if err != nil || !released {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("review: release lock: commit: %w", err)
	}

	metrics.LocksReleased.WithLabelValues(metrics.ReleaseManual).Inc()
	return true, nil
}

// Stats counts the form's applications by status, plus the reviewer's own
// decisions.
func (s *Service) Stats(ctx context.Context, reviewerID string) (Stats, error) {
	s.sweep(ctx)
	return s.repo.Stats(ctx, s.formKey, reviewerID)
}

// List returns the form's applications, newest first.
func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Status != "" {
		st, err := ParseStatus(string(filters.Status))
		if err != nil {
			return ListResult{}, err
		}
		filters.Status = st
	}

	items, total, err := s.repo.List(ctx, s.formKey, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func parseID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return parsed.String(), nil
}
