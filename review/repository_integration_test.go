package review

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"eventportal/migrations"
)

type integrationEnv struct {
	pool    *pgxpool.Pool
	repo    *PGRepository
	formKey string
	run     int64
}

// newIntegrationEnv connects to DATABASE_URL, applies the schema and scopes
// every seeded row to a fresh form key.
func newIntegrationEnv(t *testing.T) (*integrationEnv, context.Context) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	run := time.Now().UnixNano()
	env := &integrationEnv{
		pool:    pool,
		repo:    NewRepository(pool),
		formKey: fmt.Sprintf("itest-%d", run),
		run:     run,
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM applications WHERE form_key = $1`, env.formKey)
		pool.Exec(ctx2, `DELETE FROM users WHERE external_id LIKE $1`, fmt.Sprintf("itest|%d|%%", run))
	})
	return env, ctx
}

func (e *integrationEnv) user(t *testing.T, ctx context.Context, name string) string {
	t.Helper()
	var id string
	err := e.pool.QueryRow(ctx, `INSERT INTO users (external_id) VALUES ($1) RETURNING id`,
		fmt.Sprintf("itest|%d|%s", e.run, name)).Scan(&id)
	if err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return id
}

// application inserts a pending application created age ago.
func (e *integrationEnv) application(t *testing.T, ctx context.Context, name string, age time.Duration) string {
	t.Helper()
	applicant := e.user(t, ctx, "applicant-"+name)
	var id string
	err := e.pool.QueryRow(ctx, `
		INSERT INTO applications (user_id, form_key, submission, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		applicant, e.formKey, map[string]any{"first_name": name, "university": "Queen's"}, time.Now().Add(-age),
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed application %s: %v", name, err)
	}
	return id
}

func (e *integrationEnv) service(now func() time.Time) *Service {
	locks := NewLockManager(e.pool, e.repo, DefaultLockTimeout)
	return NewService(e.pool, e.repo, locks, e.formKey).WithClock(now)
}

func (e *integrationEnv) events(t *testing.T, ctx context.Context, appID string) []string {
	t.Helper()
	rows, err := e.pool.Query(ctx, `SELECT type FROM review_events WHERE application_id = $1 ORDER BY id`, appID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		out = append(out, typ)
	}
	return out
}

func TestQueueOrderAndSkip_Integration(t *testing.T) {
	env, ctx := newIntegrationEnv(t)
	alice := env.user(t, ctx, "alice")
	bob := env.user(t, ctx, "bob")
	oldest := env.application(t, ctx, "oldest", 3*time.Hour)
	middle := env.application(t, ctx, "middle", 2*time.Hour)
	newest := env.application(t, ctx, "newest", time.Hour)

	svc := env.service(time.Now)

	first, err := svc.Next(ctx, alice)
	if err != nil {
		t.Fatalf("alice next: %v", err)
	}
	if first.ID != oldest || first.LockedBy == nil || *first.LockedBy != alice {
		t.Fatalf("expected alice to lock oldest, got %+v", first)
	}

	second, err := svc.Next(ctx, bob)
	if err != nil {
		t.Fatalf("bob next: %v", err)
	}
	if second.ID != middle {
		t.Fatalf("expected bob to get middle, got %s", second.ID)
	}

	skipped, err := svc.Decide(ctx, oldest, alice, "PENDING")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.LockedBy != nil || skipped.LockedAt == nil || skipped.Status != StatusPending {
		t.Fatalf("skip should clear holder but keep timestamp: %+v", skipped)
	}

	third, err := svc.Next(ctx, alice)
	if err != nil {
		t.Fatalf("alice next after skip: %v", err)
	}
	if third.ID != newest {
		t.Fatalf("untouched application should come before the skipped one, got %s", third.ID)
	}

	if _, err := svc.Decide(ctx, newest, bob, "accept"); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected ErrLockNotHeld for non-holder, got %v", err)
	}
	accepted, err := svc.Decide(ctx, newest, alice, "accept")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted || accepted.DecidedBy == nil || *accepted.DecidedBy != alice || accepted.LockedBy != nil || accepted.LockedAt != nil {
		t.Fatalf("unexpected accepted record: %+v", accepted)
	}

	again, err := svc.Next(ctx, alice)
	if err != nil {
		t.Fatalf("alice next for skipped: %v", err)
	}
	if again.ID != oldest {
		t.Fatalf("expected skipped application back, got %s", again.ID)
	}

	got := env.events(t, ctx, oldest)
	if len(got) != 3 || got[0] != EventLockAcquired || got[1] != EventApplicationSkipped || got[2] != EventLockAcquired {
		t.Fatalf("unexpected event trail for skipped application: %v", got)
	}
}

func TestConcurrentClaimsAreExclusive_Integration(t *testing.T) {
	env, ctx := newIntegrationEnv(t)
	const apps, reviewers = 4, 10
	for i := 0; i < apps; i++ {
		env.application(t, ctx, fmt.Sprintf("app-%d", i), time.Duration(apps-i)*time.Minute)
	}
	ids := make([]string, reviewers)
	for i := range ids {
		ids[i] = env.user(t, ctx, fmt.Sprintf("reviewer-%d", i))
	}
	svc := env.service(time.Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
		empty   int
		errs    []error
	)
	for _, reviewer := range ids {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			app, err := svc.Next(ctx, reviewer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrQueueEmpty):
				empty++
			case err != nil:
				errs = append(errs, err)
			default:
				if prev, dup := claimed[app.ID]; dup {
					errs = append(errs, fmt.Errorf("%s handed to %s and %s", app.ID, prev, reviewer))
				}
				claimed[app.ID] = reviewer
			}
		}(reviewer)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if len(claimed) != apps || empty != reviewers-apps {
		t.Fatalf("expected %d claims and %d empty, got %d and %d", apps, reviewers-apps, len(claimed), empty)
	}
}

func TestLockExpiryBoundary_Integration(t *testing.T) {
	env, ctx := newIntegrationEnv(t)
	alice := env.user(t, ctx, "alice")
	bob := env.user(t, ctx, "bob")
	appID := env.application(t, ctx, "only", time.Hour)

	locked := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := env.service(func() time.Time { return locked }).Next(ctx, alice); err != nil {
		t.Fatalf("alice next: %v", err)
	}

	atBoundary := env.service(func() time.Time { return locked.Add(DefaultLockTimeout) })
	view, err := atBoundary.Open(ctx, appID, bob)
	if err != nil {
		t.Fatalf("open at boundary: %v", err)
	}
	if !view.LockedByOther {
		t.Fatalf("lock must still be held at exactly the timeout")
	}
	if _, err := atBoundary.Next(ctx, bob); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty queue at boundary, got %v", err)
	}

	after := env.service(func() time.Time { return locked.Add(DefaultLockTimeout + time.Second) })
	if _, err := after.Decide(ctx, appID, alice, "reject"); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected expired lock to reject decision, got %v", err)
	}
	app, err := after.Next(ctx, bob)
	if err != nil {
		t.Fatalf("bob next after expiry: %v", err)
	}
	if app.ID != appID || *app.LockedBy != bob {
		t.Fatalf("expected bob to take over, got %+v", app)
	}
	if got := env.events(t, ctx, appID); len(got) != 3 || got[1] != EventLockExpired {
		t.Fatalf("expected acquire, expire, acquire; got %v", got)
	}
}

func TestStatsAndList_Integration(t *testing.T) {
	env, ctx := newIntegrationEnv(t)
	alice := env.user(t, ctx, "alice")
	env.application(t, ctx, "Zelda", 2*time.Hour)
	env.application(t, ctx, "Yusuf", time.Hour)
	svc := env.service(time.Now)

	app, err := svc.Next(ctx, alice)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := svc.Decide(ctx, app.ID, alice, "reject"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	stats, err := svc.Stats(ctx, alice)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats != (Stats{Pending: 1, Rejected: 1, MyRejected: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res, err := svc.List(ctx, Filters{Search: "yus"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 1 || len(res.Items) != 1 || Display(res.Items[0].Submission)["first_name"] != "Yusuf" {
		t.Fatalf("unexpected search result %+v", res)
	}

	res, err = svc.List(ctx, Filters{Status: "rejected"})
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != app.ID {
		t.Fatalf("unexpected status filter result %+v", res)
	}

	res, err = svc.List(ctx, Filters{Search: "queen's"})
	if err != nil {
		t.Fatalf("list apostrophe: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("expected both applications to match, got %d", res.Total)
	}
}
