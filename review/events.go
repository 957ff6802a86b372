package review

// Event types written to review_events.
const (
	EventLockAcquired       = "LOCK_ACQUIRED"
	EventLockRefreshed      = "LOCK_REFRESHED"
	EventLockReleased       = "LOCK_RELEASED"
	EventLockExpired        = "LOCK_EXPIRED"
	EventDecisionRecorded   = "DECISION_RECORDED"
	EventApplicationSkipped = "APPLICATION_SKIPPED"
)

// Event is one row of the append-only review audit trail.
type Event struct {
	ApplicationID string
	ActorID       *string
	Type          string
	Payload       map[string]any
}

// ReleasedLock reports one lock cleared by a bulk release.
type ReleasedLock struct {
	ApplicationID  string
	PreviousHolder *string
}
