package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"eventportal/auth"
	"eventportal/config"
	"eventportal/logging"
	"eventportal/metrics"
	"eventportal/review"
	"eventportal/session"
)

const maxBodyBytes = 16 << 10

type reviewService interface {
	Next(ctx context.Context, reviewerID string) (review.Application, error)
	Open(ctx context.Context, id, reviewerID string) (review.View, error)
	Decide(ctx context.Context, id, reviewerID, decision string) (review.Application, error)
	ReleaseLock(ctx context.Context, id, reviewerID string) (bool, error)
	Stats(ctx context.Context, reviewerID string) (review.Stats, error)
	List(ctx context.Context, filters review.Filters) (review.ListResult, error)
}

type sessionService interface {
	AuthenticateAdmin(ctx context.Context, identity auth.Identity) (session.CheckResult, error)
	Authorize(ctx context.Context, externalID, token string) (session.Reviewer, error)
	InvalidateSession(ctx context.Context, externalID string) (int, error)
	ReleaseByToken(ctx context.Context, token string) (session.BeaconResult, error)
}

type identityVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type rateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

type healthChecker interface {
	Ping(ctx context.Context) error
}

type ctxKey string

const (
	ctxKeyIdentity   ctxKey = "identity"
	ctxKeyReviewerID ctxKey = "reviewerID"
)

// Server exposes the admin review API.
type Server struct {
	reviews  reviewService
	sessions sessionService
	verifier identityVerifier
	limiter  rateLimiter
	limits   config.RateLimitConfig
	health   healthChecker
	logger   *zap.Logger
}

func NewServer(reviews reviewService, sessions sessionService, verifier identityVerifier, logger *zap.Logger) *Server {
	return &Server{
		reviews:  reviews,
		sessions: sessions,
		verifier: verifier,
		logger:   logging.OrNop(logger),
	}
}

// WithRateLimit enables per-route request limits. Limiter failures let the
// request through.
func (s *Server) WithRateLimit(l rateLimiter, limits config.RateLimitConfig) *Server {
	s.limiter = l
	s.limits = limits
	return s
}

func (s *Server) WithHealthCheck(h healthChecker) *Server {
	s.health = h
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.With(s.rateLimit("beacon", s.limits.BeaconPerMinute, clientIP)).
			Post("/release-locks-beacon", s.handleBeacon)

		r.Group(func(r chi.Router) {
			r.Use(s.requireIdentity)
			r.With(s.rateLimit("auth_check", s.limits.AuthCheckPerMinute, subjectKey)).
				Post("/auth/check", s.handleAuthCheck)
			r.Post("/logout", s.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.requireSession)
				r.Get("/ping", s.handlePing)
				r.Get("/next-application", s.handleNextApplication)
				r.Get("/application/{id}", s.handleApplication)
				r.Post("/application/{id}/decision", s.handleDecision)
				r.Post("/application/{id}/release-lock", s.handleReleaseLock)
				r.Get("/stats", s.handleStats)
				r.Get("/applications", s.handleApplications)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, auth.ErrUnauthenticated)
			return
		}
		identity, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFrom(r.Context())
		if !ok {
			s.writeError(w, r, auth.ErrUnauthenticated)
			return
		}
		reviewer, err := s.sessions.Authorize(r.Context(), identity.Subject, sessionToken(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyReviewerID, reviewer.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimit(route string, limit int, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := s.limiter.Allow(r.Context(), route+":"+key(r), limit)
			if err != nil {
				s.logger.Warn("rate limiter unavailable", zap.String("route", route), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RateLimited.WithLabelValues(route).Inc()
				s.writeError(w, r, errRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity).(auth.Identity)
	return identity, ok && identity.Subject != ""
}

func reviewerFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyReviewerID).(string)
	return id
}

// sessionToken reads the session token from the query string, accepting the
// older snake_case name as well.
func sessionToken(r *http.Request) string {
	q := r.URL.Query()
	if token := q.Get("sessionId"); token != "" {
		return token
	}
	return q.Get("session_id")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func subjectKey(r *http.Request) string {
	if identity, ok := identityFrom(r.Context()); ok {
		return identity.Subject
	}
	return clientIP(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.writeError(w, r, &ExternalServiceError{Service: "database", Err: err})
			return
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())
	result, err := s.sessions.AuthenticateAdmin(r.Context(), identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authCheckResponse{IsAdmin: result.IsAdmin, SessionToken: result.Token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())
	if _, err := s.sessions.InvalidateSession(r.Context(), identity.Subject); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "logged out"})
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	result, err := s.sessions.ReleaseByToken(r.Context(), beaconToken(w, r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := beaconResponse{Status: result.Status}
	if result.Status == session.BeaconReleased {
		count := result.Count
		resp.Count = &count
	}
	writeJSON(w, http.StatusOK, resp)
}

// beaconToken extracts the session token from a page-unload beacon, which
// browsers send either as a form or as a JSON blob.
func beaconToken(w http.ResponseWriter, r *http.Request) string {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(contentType, "multipart/form-data") {
		if token := r.FormValue("sessionId"); token != "" {
			return token
		}
		return r.FormValue("session_id")
	}

	var body struct {
		SessionID       string `json:"sessionId"`
		LegacySessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		if body.SessionID != "" {
			return body.SessionID
		}
		if body.LegacySessionID != "" {
			return body.LegacySessionID
		}
	}
	return sessionToken(r)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleNextApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.reviews.Next(r.Context(), reviewerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	view, err := s.reviews.Open(r.Context(), chi.URLParam(r, "id"), reviewerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationViewResponse{
		applicationResponse: toApplicationResponse(view.Application),
		IsLockedByOther:     view.LockedByOther,
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, errBadRequest)
		return
	}

	app, err := s.reviews.Decide(r.Context(), chi.URLParam(r, "id"), reviewerFrom(r.Context()), req.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if _, err := s.reviews.ReleaseLock(r.Context(), chi.URLParam(r, "id"), reviewerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "released"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reviews.Stats(r.Context(), reviewerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Pending:    stats.Pending,
		Accepted:   stats.Accepted,
		Rejected:   stats.Rejected,
		MyAccepted: stats.MyAccepted,
		MyRejected: stats.MyRejected,
	})
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := review.Filters{
		Status: review.Status(strings.TrimSpace(q.Get("status"))),
		Search: strings.TrimSpace(q.Get("search")),
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Page = n
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.PageSize = n
		}
	}

	result, err := s.reviews.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]applicationSummaryResponse, 0, len(result.Items))
	for _, app := range result.Items {
		items = append(items, toSummaryResponse(app))
	}
	writeJSON(w, http.StatusOK, applicationListResponse{Items: items, Total: result.Total})
}
