package session

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// NewToken returns a random, unguessable session token.
func NewToken() string {
	return uuid.NewString()
}

// Digest is the at-rest form of a token. It is deterministic so the beacon
// can look a session up by token alone.
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// matches reports whether token is the one stored as digest. Empty values
// never match.
func matches(digest *string, token string) bool {
	if digest == nil || *digest == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*digest), []byte(Digest(token))) == 1
}
