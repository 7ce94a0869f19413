// Package middleware adapts rate limit decisions to HTTP. The business
// routers wrap their endpoints with these handlers; a denial becomes a 429
// with an actionable Retry-After, never a generic 500.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"accesslens/internal/resilience/ratelimit"
	dErrors "accesslens/pkg/domain-errors"
	"accesslens/pkg/requestcontext"
)

// Limiter is the slice of the rate limit service the middleware needs.
type Limiter interface {
	Check(ctx context.Context, subjectID, policyName string) (*ratelimit.Decision, error)
}

// SubjectFunc extracts the rate limit subject from a request, typically the
// authenticated tenant id or the client IP for anonymous traffic.
type SubjectFunc func(r *http.Request) string

// Middleware wraps handlers with per-policy rate limiting.
type Middleware struct {
	limiter  Limiter
	subject  SubjectFunc
	logger   *slog.Logger
	disabled bool
}

// Option configures the Middleware.
type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) { m.disabled = disabled }
}

func WithSubjectFunc(fn SubjectFunc) Option {
	return func(m *Middleware) {
		if fn != nil {
			m.subject = fn
		}
	}
}

// New creates rate limiting middleware over the given limiter.
func New(limiter Limiter, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		subject: subjectFromRequest,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// Limit returns middleware enforcing the named policy.
func (m *Middleware) Limit(policyName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			subject := m.subject(r)
			decision, err := m.limiter.Check(r.Context(), subject, policyName)
			if err != nil {
				// The limiter itself fails open on store trouble; an error
				// here means misconfiguration. Let the request through and
				// make noise.
				m.logger.Error("rate limit check failed", "policy", policyName, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, decision)

			if !decision.Allowed {
				writeRateLimitExceeded(w, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func subjectFromRequest(r *http.Request) string {
	if tenant := requestcontext.TenantID(r.Context()); tenant != "" {
		return tenant
	}
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant
	}
	if ip := requestcontext.ClientIP(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func addRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

func writeRateLimitExceeded(w http.ResponseWriter, d *ratelimit.Decision) {
	retryAfter := int(d.RetryAfter.Seconds() + 0.5)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       string(dErrors.GetCode(d.Err())),
		"message":     "Too many requests for policy " + d.Policy + ". Please try again later.",
		"retry_after": retryAfter,
	})
}
