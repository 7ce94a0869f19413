// Package ratelimit enforces per-subject windowed limits through the shared
// atomic store so every instance of the backend sees the same counters.
// In-process counters are never authoritative here; they appear only as the
// degraded fallback when the store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"accesslens/internal/resilience/events"
	"accesslens/internal/resilience/metrics"
	"accesslens/internal/resilience/store"
	dErrors "accesslens/pkg/domain-errors"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Policy     string        `json:"policy"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"` // store outage, local fallback applied
}

// Err converts a denial into the coded error used on non-HTTP call paths,
// such as job workers pacing upstream requests. Allowed decisions return nil.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return dErrors.Newf(dErrors.CodeRateLimited,
		"rate limit exceeded for policy %s, retry after %s", d.Policy, d.RetryAfter)
}

// Service checks requests against named policies.
type Service struct {
	store    store.AtomicStore
	policies map[string]Policy
	logger   *slog.Logger
	events   events.Publisher
	fallback *localLimiter
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEvents routes budget exhaustion and fail-open occurrences to the ops
// stream.
func WithEvents(publisher events.Publisher) Option {
	return func(s *Service) {
		if publisher != nil {
			s.events = publisher
		}
	}
}

// New creates a limiter over the given store and policy set.
func New(st store.AtomicStore, policies []Policy, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("atomic store is required")
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one policy is required")
	}

	s := &Service{
		store:    st,
		policies: make(map[string]Policy, len(policies)),
		logger:   slog.Default(),
		events:   events.Nop{},
		fallback: newLocalLimiter(),
		now:      time.Now,
	}
	for _, p := range policies {
		s.policies[p.Name] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check consumes one unit against the named policy for subject.
func (s *Service) Check(ctx context.Context, subjectID, policyName string) (*Decision, error) {
	return s.CheckN(ctx, subjectID, policyName, 1)
}

// CheckN consumes n units (a request count, or an amount in cents for spend
// policies). The post-increment total decides the outcome: allowed iff it
// stays at or under the policy limit.
func (s *Service) CheckN(ctx context.Context, subjectID, policyName string, n int64) (*Decision, error) {
	policy, ok := s.policies[policyName]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "unknown rate limit policy %q", policyName)
	}
	if n <= 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "rate limit cost must be positive")
	}

	windowStart, windowSize := s.window(policy)
	key := fmt.Sprintf("rl:%s:%s:%d",
		SanitizeKeySegment(policy.Name), SanitizeKeySegment(subjectID), windowStart.Unix())

	count, err := s.store.IncrBy(ctx, key, n, windowSize)
	if err != nil {
		// Store outage fails open; the local fallback still bounds this
		// one instance.
		s.logger.ErrorContext(ctx, "rate limit store unavailable, failing open",
			"policy", policy.Name, "subject", subjectID, "error", err)
		metrics.ObserveFailOpen("ratelimit")
		s.events.Emit(ctx, events.Event{
			Kind:      events.KindFailOpenEngaged,
			Component: "ratelimit",
			Key:       subjectID,
			Fields:    map[string]string{"policy": policy.Name},
		})
		return s.degraded(policy, subjectID, n, windowStart.Add(windowSize)), nil
	}

	resetAt := windowStart.Add(windowSize)
	decision := &Decision{
		Policy:  policy.Name,
		Limit:   policy.Limit,
		ResetAt: resetAt,
	}

	if count <= policy.Limit {
		decision.Allowed = true
		decision.Remaining = policy.Limit - count
		metrics.ObserveRateLimitDecision(policy.Name, "allowed")
		return decision, nil
	}

	if policy.Kind == KindSpend {
		// Refund the rejected amount so the running total stays the sum of
		// admitted spends; a smaller spend may still fit the budget. The
		// window ttl rides along in case the charge's window expired and the
		// refund recreates the key.
		if _, err := s.store.IncrBy(ctx, key, -n, windowSize); err != nil {
			s.logger.ErrorContext(ctx, "failed to refund rejected spend",
				"policy", policy.Name, "subject", subjectID, "error", err)
		}
		s.events.Emit(ctx, events.Event{
			Kind:      events.KindSpendExhausted,
			Component: "ratelimit",
			Key:       subjectID,
			Fields:    map[string]string{"policy": policy.Name},
		})
	}

	decision.Remaining = 0
	decision.RetryAfter = resetAt.Sub(s.now())
	if decision.RetryAfter < 0 {
		decision.RetryAfter = 0
	}
	metrics.ObserveRateLimitDecision(policy.Name, "denied")
	return decision, nil
}

// CheckAll checks subject against several policies; the most restrictive
// denial wins. All policies are charged, mirroring how each would have been
// charged had it been checked alone.
func (s *Service) CheckAll(ctx context.Context, subjectID string, policyNames ...string) (*Decision, error) {
	var worst *Decision
	for _, name := range policyNames {
		d, err := s.Check(ctx, subjectID, name)
		if err != nil {
			return nil, err
		}
		if worst == nil || moreRestrictive(d, worst) {
			worst = d
		}
	}
	if worst == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "no policies given")
	}
	return worst, nil
}

func moreRestrictive(a, b *Decision) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	if !a.Allowed {
		return a.RetryAfter > b.RetryAfter
	}
	return a.Remaining < b.Remaining
}

// window returns the current window start and size for a policy. Spend
// policies use one UTC day anchored at midnight.
func (s *Service) window(policy Policy) (time.Time, time.Duration) {
	now := s.now()
	if policy.Kind == KindSpend {
		day := now.UTC().Truncate(24 * time.Hour)
		return day, 24 * time.Hour
	}
	return now.Truncate(policy.Window), policy.Window
}

func (s *Service) degraded(policy Policy, subjectID string, n int64, resetAt time.Time) *Decision {
	allowed := s.fallback.allowN(policy, subjectID, n)
	outcome := "allowed_degraded"
	if !allowed {
		outcome = "denied_degraded"
	}
	metrics.ObserveRateLimitDecision(policy.Name, outcome)

	d := &Decision{
		Allowed:  allowed,
		Policy:   policy.Name,
		Limit:    policy.Limit,
		ResetAt:  resetAt,
		Degraded: true,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(s.now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// Policies returns the configured policy set for the admin surface.
func (s *Service) Policies() []Policy {
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}
