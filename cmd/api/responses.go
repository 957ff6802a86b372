package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"eventportal/auth"
	"eventportal/review"
	"eventportal/session"
)

var (
	errBadRequest  = errors.New("api: malformed request")
	errRateLimited = errors.New("api: rate limited")
)

// ExternalServiceError marks a failure of a downstream dependency. Its
// message is safe to show to clients.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable", e.Service)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	status  int
	code    string
	message string
}

func classify(err error) apiError {
	var external *ExternalServiceError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrUserNotFound):
		return apiError{http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required"}
	case errors.Is(err, session.ErrNotAdmin):
		return apiError{http.StatusForbidden, "NOT_ADMIN", "administrator access required"}
	case errors.Is(err, session.ErrInvalid):
		return apiError{http.StatusForbidden, "INVALID_SESSION", "invalid or expired session"}
	case errors.Is(err, review.ErrLockNotHeld):
		return apiError{http.StatusForbidden, "LOCK_NOT_HELD", "application is not locked by you"}
	case errors.Is(err, review.ErrInvalidID):
		return apiError{http.StatusBadRequest, "INVALID_ID", "invalid application id"}
	case errors.Is(err, review.ErrInvalidDecision):
		return apiError{http.StatusBadRequest, "INVALID_DECISION", "decision must be accept, reject or pending"}
	case errors.Is(err, review.ErrInvalidStatus):
		return apiError{http.StatusBadRequest, "INVALID_STATUS", "unknown application status"}
	case errors.Is(err, errBadRequest):
		return apiError{http.StatusBadRequest, "BAD_REQUEST", "malformed request body"}
	case errors.Is(err, review.ErrQueueEmpty):
		return apiError{http.StatusNotFound, "QUEUE_EMPTY", "No pending applications"}
	case errors.Is(err, review.ErrNotFound):
		return apiError{http.StatusNotFound, "NOT_FOUND", "application not found"}
	case errors.Is(err, errRateLimited):
		return apiError{http.StatusTooManyRequests, "RATE_LIMITED", "too many requests"}
	case errors.As(err, &external):
		return apiError{http.StatusInternalServerError, "EXTERNAL_SERVICE_ERROR", external.Error()}
	default:
		return apiError{http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, e.status, errorResponse{Error: errorDetail{Code: e.code, Message: e.message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusResponse struct {
	Status string `json:"status"`
}

type authCheckResponse struct {
	IsAdmin      bool   `json:"isAdmin"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type beaconResponse struct {
	Status string `json:"status"`
	Count  *int   `json:"count,omitempty"`
}

type applicationResponse struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	FormKey    string         `json:"formKey"`
	Status     string         `json:"status"`
	CreatedAt  string         `json:"createdAt"`
	Submission map[string]any `json:"submission"`
	LockedBy   *string        `json:"lockedBy"`
	LockedAt   *string        `json:"lockedAt"`
	DecidedBy  *string        `json:"decidedBy"`
	DecidedAt  *string        `json:"decidedAt"`
}

type applicationViewResponse struct {
	applicationResponse
	IsLockedByOther bool `json:"isLockedByOther"`
}

type applicationSummaryResponse struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	CreatedAt string            `json:"createdAt"`
	Fields    map[string]string `json:"fields"`
	LockedBy  *string           `json:"lockedBy"`
	LockedAt  *string           `json:"lockedAt"`
	DecidedBy *string           `json:"decidedBy"`
	DecidedAt *string           `json:"decidedAt"`
}

type applicationListResponse struct {
	Items []applicationSummaryResponse `json:"items"`
	Total int                          `json:"total"`
}

type statsResponse struct {
	Pending    int `json:"pending"`
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	MyAccepted int `json:"myAccepted"`
	MyRejected int `json:"myRejected"`
}

func toApplicationResponse(app review.Application) applicationResponse {
	submission := app.Submission
	if submission == nil {
		submission = map[string]any{}
	}
	return applicationResponse{
		ID:         app.ID,
		UserID:     app.UserID,
		FormKey:    app.FormKey,
		Status:     string(app.Status),
		CreatedAt:  app.CreatedAt.UTC().Format(time.RFC3339),
		Submission: submission,
		LockedBy:   app.LockedBy,
		LockedAt:   formatTime(app.LockedAt),
		DecidedBy:  app.DecidedBy,
		DecidedAt:  formatTime(app.DecidedAt),
	}
}

func toSummaryResponse(app review.Application) applicationSummaryResponse {
	return applicationSummaryResponse{
		ID:        app.ID,
		Status:    string(app.Status),
		CreatedAt: app.CreatedAt.UTC().Format(time.RFC3339),
		Fields:    review.Display(app.Submission),
		LockedBy:  app.LockedBy,
		LockedAt:  formatTime(app.LockedAt),
		DecidedBy: app.DecidedBy,
		DecidedAt: formatTime(app.DecidedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
