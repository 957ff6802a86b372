package actors

import (
	"fmt"
	"sync"
)

// Ledger is the in-memory view of who holds which application. Actors drop
// an entry before asking the database to release it and add one only after a
// claim has committed, so a conflicting Claim always means two reviewers held
// the same lock at once.
type Ledger struct {
	mu      sync.Mutex
	holders map[string]string
	claims  int
}

func NewLedger() *Ledger {
	return &Ledger{holders: map[string]string{}}
}

func (l *Ledger) Claim(appID, reviewerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[appID]; ok && holder != reviewerID {
		return fmt.Errorf("exclusivity violated: application %s claimed by %s while held by %s", appID, reviewerID, holder)
	}
	l.holders[appID] = reviewerID
	l.claims++
	return nil
}

func (l *Ledger) Release(appID, reviewerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[appID] == reviewerID {
		delete(l.holders, appID)
	}
}

func (l *Ledger) ReleaseAll(reviewerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for appID, holder := range l.holders {
		if holder == reviewerID {
			delete(l.holders, appID)
		}
	}
}

// Claims reports how many successful claims were recorded.
func (l *Ledger) Claims() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claims
}
