package session

import (
	"errors"
	"time"
)

var (
	// ErrNotAdmin signals that the caller holds no administrator role.
	ErrNotAdmin = errors.New("session: not an administrator")
	// ErrInvalid signals a missing, cleared, or superseded session token.
	ErrInvalid = errors.New("session: invalid session")
	// ErrNoSession signals that no reviewer session row matched.
	ErrNoSession = errors.New("session: no session")
)

// Session is a reviewer's single active login. Only a digest of the token is
// stored; a nil TokenDigest means logged out.
type Session struct {
	UserID      string
	TokenDigest *string
	IssuedAt    *time.Time
	LastSeenAt  *time.Time
	CreatedAt   time.Time
}

// CheckResult is the outcome of an admin authentication check. Token is only
// set for administrators.
type CheckResult struct {
	IsAdmin    bool
	ReviewerID string
	Token      string
}

// Reviewer is an authorized administrator with a valid session.
type Reviewer struct {
	ID         string
	ExternalID string
}

// Beacon release outcomes.
const (
	BeaconReleased       = "released"
	BeaconInvalidSession = "invalid session"
	BeaconNoSession      = "no session"
)

type BeaconResult struct {
	Status string
	Count  int
}
