package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository interface {
	Get(ctx context.Context, tx pgx.Tx, userID string) (Session, error)
	Issue(ctx context.Context, tx pgx.Tx, userID, digest string, now time.Time) error
	Clear(ctx context.Context, tx pgx.Tx, userID string) error
	Touch(ctx context.Context, tx pgx.Tx, userID string, now time.Time) error
	FindByDigest(ctx context.Context, tx pgx.Tx, digest string) (string, error)
	ListIdle(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, userID string) (Session, error) {
	var s Session
	err := tx.QueryRow(ctx, `
		SELECT user_id, token_digest, issued_at, last_seen_at, created_at
		FROM reviewer_sessions
		WHERE user_id = $1
	`, userID).Scan(&s.UserID, &s.TokenDigest, &s.IssuedAt, &s.LastSeenAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("session: get: %w", err)
	}
	return s, nil
}

// Issue stores digest as the reviewer's only valid token, creating the
// session row on first login. Any previous token stops matching at commit.
func (r *PGRepository) Issue(ctx context.Context, tx pgx.Tx, userID, digest string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reviewer_sessions (user_id, token_digest, issued_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET token_digest = EXCLUDED.token_digest,
		    issued_at = EXCLUDED.issued_at,
		    last_seen_at = EXCLUDED.last_seen_at
	`, userID, digest, now)
	if err != nil {
		return fmt.Errorf("session: issue: %w", err)
	}
	return nil
}

func (r *PGRepository) Clear(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `UPDATE reviewer_sessions SET token_digest = NULL WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}

func (r *PGRepository) Touch(ctx context.Context, tx pgx.Tx, userID string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE reviewer_sessions SET last_seen_at = $2
		WHERE user_id = $1 AND token_digest IS NOT NULL
	`, userID, now)
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

func (r *PGRepository) FindByDigest(ctx context.Context, tx pgx.Tx, digest string) (string, error) {
	var userID string
	err := tx.QueryRow(ctx, `
		SELECT user_id FROM reviewer_sessions
		WHERE token_digest = $1
		FOR UPDATE
	`, digest).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoSession
		}
		return "", fmt.Errorf("session: find by digest: %w", err)
	}
	return userID, nil
}

// ListIdle returns reviewers with a live token not used since cutoff. Rows
// busy in another transaction are left for the next pass.
func (r *PGRepository) ListIdle(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT user_id FROM reviewer_sessions
		WHERE token_digest IS NOT NULL
		  AND COALESCE(last_seen_at, issued_at, created_at) < $1
		ORDER BY user_id
		FOR UPDATE SKIP LOCKED
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("session: list idle: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: scan idle: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
