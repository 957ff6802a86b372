package review

import "errors"

var (
	// ErrNotFound signals that no application exists for the id.
	ErrNotFound = errors.New("review: application not found")
	// ErrQueueEmpty signals that no pending application is available to the reviewer.
	ErrQueueEmpty = errors.New("review: no pending applications")
	// ErrInvalidID signals a malformed application id.
	ErrInvalidID = errors.New("review: invalid application id")
	// ErrInvalidDecision signals an unrecognised decision value.
	ErrInvalidDecision = errors.New("review: invalid decision")
	// ErrInvalidStatus signals an unrecognised status filter.
	ErrInvalidStatus = errors.New("review: invalid status")
	// ErrLockNotHeld signals that the reviewer does not hold a live lock on the application.
	ErrLockNotHeld = errors.New("review: you do not have the lock on this application")
)
