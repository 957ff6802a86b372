package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the storage contract for applications. Methods taking a
// pgx.Tx run inside the caller's transaction.
type Repository interface {
	ClaimNext(ctx context.Context, tx pgx.Tx, formKey, reviewerID string, now time.Time) (Application, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Application, error)
	SetLock(ctx context.Context, tx pgx.Tx, id, reviewerID string, now time.Time) (Application, error)
	ClearLock(ctx context.Context, tx pgx.Tx, id string) (Application, error)
	ApplyDecision(ctx context.Context, tx pgx.Tx, id string, update DecisionUpdate) (Application, error)
	ReleaseExpired(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]ReleasedLock, error)
	ReleaseHeldBy(ctx context.Context, tx pgx.Tx, reviewerID, reason string) ([]ReleasedLock, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, event Event) error
	Stats(ctx context.Context, formKey, reviewerID string) (Stats, error)
	List(ctx context.Context, formKey string, filters Filters) ([]Application, int, error)
}

// DecisionUpdate is the full post-decision state of an application. The lock
// holder is always cleared; LockedAt is kept only for skips.
type DecisionUpdate struct {
	Status    Status
	DecidedBy *string
	DecidedAt *time.Time
	LockedAt  *time.Time
}

const applicationColumns = `a.id, a.user_id, a.form_key, a.created_at, a.status, a.submission,
	a.locked_by, a.locked_at, a.decided_by, a.decided_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ClaimNext atomically picks the first eligible pending application and locks
// it to reviewerID. Rows already row-locked by a concurrent claim are skipped
// rather than waited on, so two reviewers never receive the same application
// and neither blocks on the other.
func (r *PGRepository) ClaimNext(ctx context.Context, tx pgx.Tx, formKey, reviewerID string, now time.Time) (Application, error) {
	query := `
		WITH next AS (
			SELECT id
			FROM applications
			WHERE form_key = $1
			  AND status = 'pending'
			  AND (locked_by IS NULL OR locked_by = $2)
			ORDER BY locked_at ASC NULLS FIRST, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE applications a
		SET locked_by = $2, locked_at = $3
		FROM next
		WHERE a.id = next.id
		RETURNING ` + applicationColumns

	app, err := scanApplication(tx.QueryRow(ctx, query, formKey, reviewerID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrQueueEmpty
		}
		return Application{}, fmt.Errorf("review: claim next: %w", err)
	}
	return app, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Application, error) {
	query := `SELECT ` + applicationColumns + `
		FROM applications a
		WHERE a.id = $1
		FOR UPDATE`

	app, err := scanApplication(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("review: get for update: %w", err)
	}
	return app, nil
}

// SetLock overwrites the lock holder unconditionally. Callers must hold the
// row lock and have checked eligibility.
func (r *PGRepository) SetLock(ctx context.Context, tx pgx.Tx, id, reviewerID string, now time.Time) (Application, error) {
	query := `
		UPDATE applications a
		SET locked_by = $2, locked_at = $3
		WHERE a.id = $1
		RETURNING ` + applicationColumns

	return r.updateOne(ctx, tx, "set lock", query, id, reviewerID, now)
}

func (r *PGRepository) ClearLock(ctx context.Context, tx pgx.Tx, id string) (Application, error) {
	query := `
		UPDATE applications a
		SET locked_by = NULL, locked_at = NULL
		WHERE a.id = $1
		RETURNING ` + applicationColumns

	return r.updateOne(ctx, tx, "clear lock", query, id)
}

func (r *PGRepository) ApplyDecision(ctx context.Context, tx pgx.Tx, id string, update DecisionUpdate) (Application, error) {
	query := `
		UPDATE applications a
		SET status = $2,
		    decided_by = $3,
		    decided_at = $4,
		    locked_by = NULL,
		    locked_at = $5
		WHERE a.id = $1
		RETURNING ` + applicationColumns

	return r.updateOne(ctx, tx, "apply decision", query,
		id, string(update.Status), update.DecidedBy, update.DecidedAt, update.LockedAt)
}

func (r *PGRepository) updateOne(ctx context.Context, tx pgx.Tx, op, query string, args ...any) (Application, error) {
	app, err := scanApplication(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("review: %s: %w", op, err)
	}
	return app, nil
}

// ReleaseExpired clears lock fields on every application whose lock
// timestamp is before cutoff, skipped applications included. Rows currently
// row-locked by another transaction are left for the next sweep. Each
// release is recorded in the audit trail by the same statement.
func (r *PGRepository) ReleaseExpired(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]ReleasedLock, error) {
	const query = `
		WITH expired AS (
			SELECT id, locked_by
			FROM applications
			WHERE locked_at IS NOT NULL AND locked_at < $1
			FOR UPDATE SKIP LOCKED
		),
		released AS (
			UPDATE applications a
			SET locked_by = NULL, locked_at = NULL
			FROM expired e
			WHERE a.id = e.id
			RETURNING a.id, e.locked_by AS previous
		),
		logged AS (
			INSERT INTO review_events (application_id, actor_id, type, payload)
			SELECT id, previous, 'LOCK_EXPIRED', jsonb_build_object('cutoff', $1::timestamptz)
			FROM released
		)
		SELECT id, previous FROM released
	`
	return collectReleased(tx.Query(ctx, query, cutoff))
}

// ReleaseHeldBy clears every lock held by reviewerID. Skipped applications
// (no holder) are not touched.
func (r *PGRepository) ReleaseHeldBy(ctx context.Context, tx pgx.Tx, reviewerID, reason string) ([]ReleasedLock, error) {
	const query = `
		WITH released AS (
			UPDATE applications a
			SET locked_by = NULL, locked_at = NULL
			WHERE a.locked_by = $1
			RETURNING a.id, $1::uuid AS previous
		),
		logged AS (
			INSERT INTO review_events (application_id, actor_id, type, payload)
			SELECT id, previous, 'LOCK_RELEASED', jsonb_build_object('reason', $2::text)
			FROM released
		)
		SELECT id, previous FROM released
	`
	return collectReleased(tx.Query(ctx, query, reviewerID, reason))
}

func collectReleased(rows pgx.Rows, err error) ([]ReleasedLock, error) {
	if err != nil {
		return nil, fmt.Errorf("review: release locks: %w", err)
	}
	defer rows.Close()

	released := []ReleasedLock{}
	for rows.Next() {
		var rl ReleasedLock
		if err := rows.Scan(&rl.ApplicationID, &rl.PreviousHolder); err != nil {
			return nil, fmt.Errorf("review: scan released lock: %w", err)
		}
		released = append(released, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: release locks: %w", err)
	}
	return released, nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, event Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO review_events (application_id, actor_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`, event.ApplicationID, event.ActorID, event.Type, payload)
	if err != nil {
		return fmt.Errorf("review: append event: %w", err)
	}
	return nil
}

func (r *PGRepository) Stats(ctx context.Context, formKey, reviewerID string) (Stats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'accepted'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'accepted' AND decided_by = $2),
			COUNT(*) FILTER (WHERE status = 'rejected' AND decided_by = $2)
		FROM applications
		WHERE form_key = $1
	`

	var s Stats
	err := r.pool.QueryRow(ctx, query, formKey, reviewerID).Scan(
		&s.Pending, &s.Accepted, &s.Rejected, &s.MyAccepted, &s.MyRejected,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("review: stats: %w", err)
	}
	return s, nil
}

func (r *PGRepository) List(ctx context.Context, formKey string, filters Filters) ([]Application, int, error) {
	filters = normalizeFilters(filters)

	where := []string{"a.form_key = $1"}
	args := []any{formKey}

	if filters.Status != "" {
		where = append(where, fmt.Sprintf("a.status = $%d", len(args)+1))
		args = append(args, string(filters.Status))
	}
	if filters.Search != "" {
		where = append(where, fmt.Sprintf("%s ILIKE $%d", searchDocument(), len(args)+1))
		args = append(args, "%"+escapeLike(filters.Search)+"%")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM applications a%s ORDER BY a.created_at DESC, a.id LIMIT %d OFFSET %d`,
		applicationColumns, whereClause, filters.PageSize, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("review: query list: %w", err)
	}
	defer rows.Close()

	list := []Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("review: scan list: %w", err)
		}
		list = append(list, app)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("review: query list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM applications a%s", whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("review: count list: %w", err)
	}

	return list, total, nil
}

func normalizeFilters(f Filters) Filters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 200 {
		f.PageSize = 50
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

func searchDocument() string {
	parts := make([]string, len(DisplayFields))
	for i, key := range DisplayFields {
		parts[i] = fmt.Sprintf("a.submission->>'%s'", key)
	}
	return "concat_ws(' ', " + strings.Join(parts, ", ") + ")"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanApplication(row pgx.Row) (Application, error) {
	var app Application
	err := row.Scan(
		&app.ID,
		&app.UserID,
		&app.FormKey,
		&app.CreatedAt,
		&app.Status,
		&app.Submission,
		&app.LockedBy,
		&app.LockedAt,
		&app.DecidedBy,
		&app.DecidedAt,
	)
	if err != nil {
		return Application{}, err
	}
	return app, nil
}
