package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"eventportal/auth"
)

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx { return f.txs[len(f.txs)-1] }

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

type fakeUsers struct {
	byExternal map[string]auth.User
	roles      map[string]map[auth.Role]bool
	seq        int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byExternal: map[string]auth.User{}, roles: map[string]map[auth.Role]bool{}}
}

func (f *fakeUsers) EnsureUser(_ context.Context, _ pgx.Tx, identity auth.Identity) (auth.User, error) {
	if u, ok := f.byExternal[identity.Subject]; ok {
		return u, nil
	}
	f.seq++
	u := auth.User{ID: fmt.Sprintf("user-%d", f.seq), ExternalID: identity.Subject}
	f.byExternal[identity.Subject] = u
	return u, nil
}

func (f *fakeUsers) GetUserByExternalID(_ context.Context, _ pgx.Tx, externalID string) (auth.User, error) {
	u, ok := f.byExternal[externalID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUsers) HasRole(_ context.Context, _ pgx.Tx, userID string, role auth.Role) (bool, error) {
	return f.roles[userID][role], nil
}

// admin creates an administrator and returns its user id.
func (f *fakeUsers) admin(subject string) string {
	u, _ := f.EnsureUser(context.Background(), nil, auth.Identity{Subject: subject})
	f.roles[u.ID] = map[auth.Role]bool{auth.RoleAdmin: true}
	return u.ID
}

type fakeSessions struct {
	rows map[string]*Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[string]*Session{}}
}

func (f *fakeSessions) Get(_ context.Context, _ pgx.Tx, userID string) (Session, error) {
	s, ok := f.rows[userID]
	if !ok {
		return Session{}, ErrNoSession
	}
	return *s, nil
}

func (f *fakeSessions) Issue(_ context.Context, _ pgx.Tx, userID, digest string, now time.Time) error {
	d, at := digest, now
	s, ok := f.rows[userID]
	if !ok {
		s = &Session{UserID: userID, CreatedAt: now}
		f.rows[userID] = s
	}
	s.TokenDigest = &d
	s.IssuedAt = &at
	s.LastSeenAt = &at
	return nil
}

func (f *fakeSessions) Clear(_ context.Context, _ pgx.Tx, userID string) error {
	if s, ok := f.rows[userID]; ok {
		s.TokenDigest = nil
	}
	return nil
}

func (f *fakeSessions) Touch(_ context.Context, _ pgx.Tx, userID string, now time.Time) error {
	if s, ok := f.rows[userID]; ok && s.TokenDigest != nil {
		at := now
		s.LastSeenAt = &at
	}
	return nil
}

func (f *fakeSessions) FindByDigest(_ context.Context, _ pgx.Tx, digest string) (string, error) {
	for id, s := range f.rows {
		if s.TokenDigest != nil && *s.TokenDigest == digest {
			return id, nil
		}
	}
	return "", ErrNoSession
}

func (f *fakeSessions) ListIdle(_ context.Context, _ pgx.Tx, cutoff time.Time) ([]string, error) {
	var ids []string
	for id, s := range f.rows {
		if s.TokenDigest != nil && s.LastSeenAt != nil && s.LastSeenAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// fakeLocks tracks how many locks each reviewer holds.
type fakeLocks struct {
	mu      sync.Mutex
	held    map[string]int
	reasons []string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: map[string]int{}}
}

func (f *fakeLocks) ReleaseAll(_ context.Context, _ pgx.Tx, reviewerID, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.held[reviewerID]
	f.held[reviewerID] = 0
	f.reasons = append(f.reasons, reason)
	return n, nil
}
