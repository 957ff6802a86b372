package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LocksAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_locks_acquired_total",
			Help: "Application locks handed to reviewers",
		},
		[]string{"source"},
	)

	LocksReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_locks_released_total",
			Help: "Application locks cleared, by reason",
		},
		[]string{"reason"},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_decisions_total",
			Help: "Decisions recorded by reviewers",
		},
		[]string{"decision"},
	)

	QueueEmpty = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "review_queue_empty_total",
			Help: "Next-application requests that found no eligible record",
		},
	)

	SessionsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewer_sessions_issued_total",
			Help: "Reviewer session tokens issued (each one revokes the previous)",
		},
	)

	SessionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewer_sessions_rejected_total",
			Help: "Session validations that failed",
		},
		[]string{"reason"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Release reasons.
const (
	ReleaseDecision = "decision"
	ReleaseSkip     = "skip"
	ReleaseManual   = "manual"
	ReleaseLogin    = "login"
	ReleaseLogout   = "logout"
	ReleaseBeacon   = "beacon"
	ReleaseExpired  = "expired"
	ReleaseIdle     = "idle"
)
