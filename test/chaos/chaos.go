package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend occasionally kills one of the pool's server
// backends, so in-flight claims and decisions die mid-transaction.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// AgeSkippedApplications pushes the timestamp of a few skipped applications
// past timeout, so the expiry sweep has work to do while reviewers claim.
// Held locks are left alone.
func AgeSkippedApplications(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_, _ = pool.Exec(ctx, `
				UPDATE applications SET locked_at = locked_at - make_interval(secs => $1)
				WHERE id IN (
					SELECT id FROM applications
					WHERE locked_by IS NULL AND locked_at IS NOT NULL
					ORDER BY random() LIMIT 3
					FOR UPDATE SKIP LOCKED
				)`, (timeout + time.Minute).Seconds())
		}
	}
}
