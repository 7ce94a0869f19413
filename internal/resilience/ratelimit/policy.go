package ratelimit

import (
	"strings"
	"time"
)

// Kind distinguishes request-counting policies from monetary budgets.
type Kind int

const (
	// KindRequests counts calls in a fixed window.
	KindRequests Kind = iota
	// KindSpend accumulates an amount in cents against a daily budget.
	// Spend windows reset at UTC midnight.
	KindSpend
)

// Policy is a named limit. Distinct policies coexist independently for the
// same subject; a request may be checked against several at once.
type Policy struct {
	Name   string
	Kind   Kind
	Limit  int64         // max requests per window, or budget ceiling in cents
	Window time.Duration // ignored for KindSpend (always one UTC day)
}

// Well-known policy names used across the backend.
const (
	PolicyGeneralAPI     = "general_api"
	PolicyScanSubmission = "scan_submission"
	PolicyAISpend        = "ai_spend"
)

// DefaultPolicies returns the standing policy set. Limits are deliberately
// conservative; tenants with higher tiers get overrides at wiring time.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: PolicyGeneralAPI, Kind: KindRequests, Limit: 100, Window: time.Minute},
		{Name: PolicyScanSubmission, Kind: KindRequests, Limit: 10, Window: time.Minute},
		{Name: PolicyAISpend, Kind: KindSpend, Limit: 5000},
	}
}

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers
// containing ':' could manipulate adjacent counters.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
