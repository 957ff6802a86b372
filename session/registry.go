package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"eventportal/auth"
	"eventportal/db"
	"eventportal/logging"
	"eventportal/metrics"
)

// Users is the slice of the auth repository the registry needs.
type Users interface {
	EnsureUser(ctx context.Context, tx pgx.Tx, identity auth.Identity) (auth.User, error)
	GetUserByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (auth.User, error)
	HasRole(ctx context.Context, tx pgx.Tx, userID string, role auth.Role) (bool, error)
}

// LockReleaser releases every review lock a reviewer holds, inside tx.
type LockReleaser interface {
	ReleaseAll(ctx context.Context, tx pgx.Tx, reviewerID, reason string) (int, error)
}

// Registry binds each administrator to at most one live session token.
// Every mutation commits together with the lock releases it triggers.
type Registry struct {
	pool     db.TxBeginner
	users    Users
	sessions Repository
	locks    LockReleaser
	newToken func() string
	now      func() time.Time
	logger   *zap.Logger
}

func NewRegistry(pool db.TxBeginner, users Users, sessions Repository, locks LockReleaser) *Registry {
	return &Registry{
		pool:     pool,
		users:    users,
		sessions: sessions,
		locks:    locks,
		newToken: NewToken,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) WithTokenGenerator(gen func() string) *Registry {
	r.newToken = gen
	return r
}

func (r *Registry) WithLogger(l *zap.Logger) *Registry {
	r.logger = logging.OrNop(l)
	return r
}

// AuthenticateAdmin ensures a user exists for identity and, for
// administrators, releases any locks left by earlier sessions and issues a
// fresh token that supersedes all previous ones.
func (r *Registry) AuthenticateAdmin(ctx context.Context, identity auth.Identity) (CheckResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("session: authenticate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := r.users.EnsureUser(ctx, tx, identity)
	if err != nil {
		return CheckResult{}, err
	}
	isAdmin, err := r.users.HasRole(ctx, tx, user.ID, auth.RoleAdmin)
	if err != nil {
		return CheckResult{}, err
	}
	if !isAdmin {
		if err := tx.Commit(ctx); err != nil {
			return CheckResult{}, fmt.Errorf("session: authenticate: commit: %w", err)
		}
		return CheckResult{IsAdmin: false, ReviewerID: user.ID}, nil
	}

	if _, err := r.locks.ReleaseAll(ctx, tx, user.ID, metrics.ReleaseLogin); err != nil {
		return CheckResult{}, err
	}
	token := r.newToken()
	if err := r.sessions.Issue(ctx, tx, user.ID, Digest(token), r.now()); err != nil {
		return CheckResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return CheckResult{}, fmt.Errorf("session: authenticate: commit: %w", err)
	}

	metrics.SessionsIssued.Inc()
	r.logger.Info("reviewer session issued", zap.String("reviewer_id", user.ID))
	return CheckResult{IsAdmin: true, ReviewerID: user.ID, Token: token}, nil
}

// ValidateSession reports whether token is userID's current session token.
// No stored token, an empty token, or any mismatch all fail closed.
func (r *Registry) ValidateSession(ctx context.Context, tx pgx.Tx, userID, token string) (bool, error) {
	s, err := r.sessions.Get(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return false, nil
		}
		return false, err
	}
	return matches(s.TokenDigest, token), nil
}

// Authorize resolves the caller to an administrator holding a valid session.
// It fails with auth.ErrUserNotFound for unknown identities, ErrNotAdmin for
// non-administrators and ErrInvalid for a bad token.
func (r *Registry) Authorize(ctx context.Context, externalID, token string) (Reviewer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Reviewer{}, fmt.Errorf("session: authorize: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := r.users.GetUserByExternalID(ctx, tx, externalID)
	if err != nil {
		return Reviewer{}, err
	}
	isAdmin, err := r.users.HasRole(ctx, tx, user.ID, auth.RoleAdmin)
	if err != nil {
		return Reviewer{}, err
	}
	if !isAdmin {
		metrics.SessionsRejected.WithLabelValues("not_admin").Inc()
		return Reviewer{}, ErrNotAdmin
	}
	ok, err := r.ValidateSession(ctx, tx, user.ID, token)
	if err != nil {
		return Reviewer{}, err
	}
	if !ok {
		metrics.SessionsRejected.WithLabelValues("invalid_token").Inc()
		return Reviewer{}, ErrInvalid
	}
	if err := r.sessions.Touch(ctx, tx, user.ID, r.now()); err != nil {
		return Reviewer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reviewer{}, fmt.Errorf("session: authorize: commit: %w", err)
	}
	return Reviewer{ID: user.ID, ExternalID: user.ExternalID}, nil
}

// InvalidateSession logs the identity out: the stored token is cleared and
// every lock it holds is released.
func (r *Registry) InvalidateSession(ctx context.Context, externalID string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: invalidate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := r.users.GetUserByExternalID(ctx, tx, externalID)
	if err != nil {
		return 0, err
	}
	if err := r.sessions.Clear(ctx, tx, user.ID); err != nil {
		return 0, err
	}
	released, err := r.locks.ReleaseAll(ctx, tx, user.ID, metrics.ReleaseLogout)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("session: invalidate: commit: %w", err)
	}

	r.logger.Info("reviewer logged out", zap.String("reviewer_id", user.ID), zap.Int("released", released))
	return released, nil
}

// ReleaseByToken serves the page-unload beacon. The token alone identifies
// the reviewer and only authorizes releasing that reviewer's locks; the
// session itself stays valid.
func (r *Registry) ReleaseByToken(ctx context.Context, token string) (BeaconResult, error) {
	if token == "" {
		return BeaconResult{Status: BeaconNoSession}, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return BeaconResult{}, fmt.Errorf("session: beacon: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	userID, err := r.sessions.FindByDigest(ctx, tx, Digest(token))
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return BeaconResult{Status: BeaconInvalidSession}, nil
		}
		return BeaconResult{}, err
	}
	released, err := r.locks.ReleaseAll(ctx, tx, userID, metrics.ReleaseBeacon)
	if err != nil {
		return BeaconResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return BeaconResult{}, fmt.Errorf("session: beacon: commit: %w", err)
	}
	return BeaconResult{Status: BeaconReleased, Count: released}, nil
}

// ReapIdle ends sessions unused for longer than idle, releasing their locks.
// It returns how many sessions were ended.
func (r *Registry) ReapIdle(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: reap idle: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := r.sessions.ListIdle(ctx, tx, r.now().Add(-idle))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := r.locks.ReleaseAll(ctx, tx, id, metrics.ReleaseIdle); err != nil {
			return 0, err
		}
		if err := r.sessions.Clear(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("session: reap idle: commit: %w", err)
	}

	for _, id := range ids {
		r.logger.Info("idle reviewer session ended", zap.String("reviewer_id", id))
	}
	return len(ids), nil
}
