package review

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePool struct {
	mu       sync.Mutex
	txs      []*fakeTx
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// memRepo is an in-memory Repository. One mutex stands in for row locks, so
// every method is atomic the way the SQL statements are.
type memRepo struct {
	mu       sync.Mutex
	apps     map[string]*Application
	events   []Event
	sweepErr error
}

func newMemRepo() *memRepo {
	return &memRepo{apps: map[string]*Application{}}
}

func (m *memRepo) add(app Application) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app.Status == "" {
		app.Status = StatusPending
	}
	cp := app
	m.apps[app.ID] = &cp
}

func (m *memRepo) get(id string) Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.apps[id]
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *memRepo) ClaimNext(_ context.Context, _ pgx.Tx, formKey, reviewerID string, now time.Time) (Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*Application
	for _, app := range m.apps {
		if app.FormKey != formKey || app.Status != StatusPending {
			continue
		}
		if app.LockedBy != nil && *app.LockedBy != reviewerID {
			continue
		}
		eligible = append(eligible, app)
	}
	if len(eligible) == 0 {
		return Application{}, ErrQueueEmpty
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.LockedAt == nil && b.LockedAt != nil:
			return true
		case a.LockedAt != nil && b.LockedAt == nil:
			return false
		case a.LockedAt != nil && !a.LockedAt.Equal(*b.LockedAt):
			return a.LockedAt.Before(*b.LockedAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.ID < b.ID
		}
	})

	next := eligible[0]
	holder := reviewerID
	at := now
	next.LockedBy = &holder
	next.LockedAt = &at
	return *next, nil
}

func (m *memRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return Application{}, ErrNotFound
	}
	return *app, nil
}

func (m *memRepo) SetLock(_ context.Context, _ pgx.Tx, id, reviewerID string, now time.Time) (Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return Application{}, ErrNotFound
	}
	holder := reviewerID
	at := now
	app.LockedBy = &holder
	app.LockedAt = &at
	return *app, nil
}

func (m *memRepo) ClearLock(_ context.Context, _ pgx.Tx, id string) (Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return Application{}, ErrNotFound
	}
	app.LockedBy = nil
	app.LockedAt = nil
	return *app, nil
}

func (m *memRepo) ApplyDecision(_ context.Context, _ pgx.Tx, id string, update DecisionUpdate) (Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return Application{}, ErrNotFound
	}
	app.Status = update.Status
	app.DecidedBy = update.DecidedBy
	app.DecidedAt = update.DecidedAt
	app.LockedBy = nil
	app.LockedAt = update.LockedAt
	return *app, nil
}

func (m *memRepo) ReleaseExpired(_ context.Context, _ pgx.Tx, cutoff time.Time) ([]ReleasedLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweepErr != nil {
		return nil, m.sweepErr
	}
	var released []ReleasedLock
	for _, app := range m.apps {
		if app.LockedAt == nil || !app.LockedAt.Before(cutoff) {
			continue
		}
		released = append(released, ReleasedLock{ApplicationID: app.ID, PreviousHolder: app.LockedBy})
		m.events = append(m.events, Event{ApplicationID: app.ID, ActorID: app.LockedBy, Type: EventLockExpired})
		app.LockedBy = nil
		app.LockedAt = nil
	}
	return released, nil
}

func (m *memRepo) ReleaseHeldBy(_ context.Context, _ pgx.Tx, reviewerID, reason string) ([]ReleasedLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []ReleasedLock
	for _, app := range m.apps {
		if app.LockedBy == nil || *app.LockedBy != reviewerID {
			continue
		}
		released = append(released, ReleasedLock{ApplicationID: app.ID, PreviousHolder: app.LockedBy})
		m.events = append(m.events, Event{ApplicationID: app.ID, ActorID: app.LockedBy, Type: EventLockReleased,
			Payload: map[string]any{"reason": reason}})
		app.LockedBy = nil
		app.LockedAt = nil
	}
	return released, nil
}

func (m *memRepo) AppendEvent(_ context.Context, _ pgx.Tx, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memRepo) Stats(_ context.Context, formKey, reviewerID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, app := range m.apps {
		if app.FormKey != formKey {
			continue
		}
		mine := app.DecidedBy != nil && *app.DecidedBy == reviewerID
		switch app.Status {
		case StatusPending:
			s.Pending++
		case StatusAccepted:
			s.Accepted++
			if mine {
				s.MyAccepted++
			}
		case StatusRejected:
			s.Rejected++
			if mine {
				s.MyRejected++
			}
		}
	}
	return s, nil
}

func (m *memRepo) List(_ context.Context, formKey string, filters Filters) ([]Application, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Application
	for _, app := range m.apps {
		if app.FormKey != formKey {
			continue
		}
		if filters.Status != "" && app.Status != filters.Status {
			continue
		}
		if filters.Search != "" {
			var doc []string
			for _, v := range Display(app.Submission) {
				doc = append(doc, v)
			}
			if !strings.Contains(strings.ToLower(strings.Join(doc, " ")), strings.ToLower(filters.Search)) {
				continue
			}
		}
		out = append(out, *app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}
