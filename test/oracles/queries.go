package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants that must hold at every committed snapshot. Each
// query returns offending rows; an empty result is a pass.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_lock_pair",
			SQL:  `SELECT id FROM applications WHERE locked_by IS NOT NULL AND locked_at IS NULL`,
		},
		{
			Name: "O2_decided_not_locked",
			SQL:  `SELECT id, status, locked_by FROM applications WHERE status <> 'pending' AND locked_by IS NOT NULL`,
		},
		{
			Name: "O3_decision_fields",
			SQL: `SELECT id, status, decided_by, decided_at FROM applications
                  WHERE (status IN ('accepted','rejected') AND (decided_by IS NULL OR decided_at IS NULL))
                     OR (status = 'pending' AND (decided_by IS NOT NULL OR decided_at IS NOT NULL))`,
		},
		{
			Name: "O4_lock_holder_is_admin",
			SQL: `SELECT a.id, a.locked_by FROM applications a
                  WHERE a.locked_by IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM user_roles r
                        WHERE r.user_id = a.locked_by AND r.role = 'admin')`,
		},
		{
			Name: "O5_decision_logged",
			SQL: `SELECT a.id, a.status FROM applications a
                  WHERE a.status IN ('accepted','rejected')
                    AND NOT EXISTS (
                        SELECT 1 FROM review_events e
                        WHERE e.application_id = a.id AND e.type = 'DECISION_RECORDED')`,
		},
		{
			Name: "O6_reviewer_events_have_actor",
			SQL: `SELECT id, application_id, type FROM review_events
                  WHERE type IN ('LOCK_ACQUIRED','LOCK_REFRESHED','DECISION_RECORDED','APPLICATION_SKIPPED')
                    AND actor_id IS NULL`,
		},
		{
			Name: "O7_session_issue_time",
			SQL:  `SELECT user_id FROM reviewer_sessions WHERE token_digest IS NOT NULL AND issued_at IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
