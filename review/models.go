package review

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusConfirmed Status = "confirmed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusAccepted, StatusRejected, StatusConfirmed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Decision is a reviewer's verdict. DecisionPending sends the application
// to the back of the queue.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionReject  Decision = "reject"
	DecisionPending Decision = "pending"
)

// ParseDecision is case-insensitive.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAccept, DecisionReject, DecisionPending:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// Status returns the application status a decision moves to.
func (d Decision) Status() Status {
	switch d {
	case DecisionAccept:
		return StatusAccepted
	case DecisionReject:
		return StatusRejected
	default:
		return StatusPending
	}
}

// Application is one applicant's submission to one form, together with its
// advisory review lock and decision state.
//
// LockedAt may be set while LockedBy is nil: that is a skipped application,
// queued behind every untouched one.
type Application struct {
	ID         string
	UserID     string
	FormKey    string
	CreatedAt  time.Time
	Status     Status
	Submission map[string]any
	LockedBy   *string
	LockedAt   *time.Time
	DecidedBy  *string
	DecidedAt  *time.Time
}

// View is an application as returned by a direct fetch.
type View struct {
	Application
	LockedByOther bool
}

type Stats struct {
	Pending    int
	Accepted   int
	Rejected   int
	MyAccepted int
	MyRejected int
}

type Filters struct {
	Status   Status
	Search   string
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Application
	Total int
}

// DisplayFields are the submission keys shown in list views and matched by
// search. Everything else in a submission is passed through untouched.
var DisplayFields = []string{
	"first_name",
	"last_name",
	"pref_name",
	"email",
	"university",
	"major",
	"graduation_year",
	"country",
}

// Display extracts DisplayFields from a submission as strings. Missing and
// null values are omitted.
func Display(submission map[string]any) map[string]string {
	out := make(map[string]string, len(DisplayFields))
	for _, key := range DisplayFields {
		v, ok := submission[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			out[key] = val
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out
}
