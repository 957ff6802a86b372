package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrUserNotFound signals that no user exists for the identity.
	ErrUserNotFound = errors.New("auth: user not found")
)

// Repository handles user and role data access. Every call runs inside the
// caller's transaction so identity bootstrap commits with whatever it gates.
type Repository interface {
	EnsureUser(ctx context.Context, tx pgx.Tx, identity Identity) (User, error)
	GetUserByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (User, error)
	HasRole(ctx context.Context, tx pgx.Tx, userID string, role Role) (bool, error)
	GrantRole(ctx context.Context, tx pgx.Tx, userID string, role Role, grantedBy *string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct{}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository() *PGRepository {
	return &PGRepository{}
}

// EnsureUser returns the user for identity, creating it if needed. Concurrent
// first logins for the same subject converge on one row.
func (r *PGRepository) EnsureUser(ctx context.Context, tx pgx.Tx, identity Identity) (User, error) {
	if identity.Subject == "" {
		return User{}, fmt.Errorf("auth: ensure user: empty subject")
	}

	var email *string
	if identity.Email != "" {
		email = &identity.Email
	}

	const upsertSQL = `
		INSERT INTO users (external_id, email)
		VALUES ($1, $2)
		ON CONFLICT (external_id) DO UPDATE
		SET email = COALESCE(users.email, EXCLUDED.email)
		RETURNING id, external_id, email, created_at
	`

	user, err := scanUser(tx.QueryRow(ctx, upsertSQL, identity.Subject, email))
	if err != nil {
		return User{}, fmt.Errorf("auth: ensure user: %w", err)
	}
	return user, nil
}

// GetUserByExternalID retrieves a user by the identity provider's subject.
func (r *PGRepository) GetUserByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (User, error) {
	const selectSQL = `
		SELECT id, external_id, email, created_at
		FROM users
		WHERE external_id = $1
	`

	user, err := scanUser(tx.QueryRow(ctx, selectSQL, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by external id: %w", err)
	}
	return user, nil
}

func (r *PGRepository) HasRole(ctx context.Context, tx pgx.Tx, userID string, role Role) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)`,
		userID, string(role),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("auth: has role: %w", err)
	}
	return ok, nil
}

// GrantRole is idempotent.
func (r *PGRepository) GrantRole(ctx context.Context, tx pgx.Tx, userID string, role Role, grantedBy *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, role, granted_by)
		VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT user_roles_user_role_key DO NOTHING
	`, userID, string(role), grantedBy)
	if err != nil {
		return fmt.Errorf("auth: grant role: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.ExternalID, &user.Email, &user.CreatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}
