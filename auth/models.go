package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleCheckIn Role = "check_in"
)

// ParseRole validates a role name supplied by an operator.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleCheckIn:
		return r, true
	default:
		return "", false
	}
}

// User is the portal's record of an external identity. Users are created
// lazily the first time an identity is seen.
type User struct {
	ID         string
	ExternalID string
	Email      *string
	CreatedAt  time.Time
}

// Identity is what a verified bearer token tells us about the caller.
type Identity struct {
	Subject string
	Email   string
}
