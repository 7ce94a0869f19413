package call

import (
	"context"
	"errors"
	"fmt"
	"net"

	"accesslens/internal/resilience/circuit"
)

// HTTPError carries an upstream HTTP status through the classification
// machinery. Operations wrap non-2xx responses in this type so the wrapper
// can tell caller mistakes from upstream unavailability.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, e.Status)
}

// outcome labels an attempt for logs and metrics.
type outcome string

const (
	outcomeSuccess  outcome = "success"
	outcomeTimeout  outcome = "timeout"
	outcomeUpstream outcome = "upstream_error"
	outcomeCaller   outcome = "caller_error"
	outcomeRejected outcome = "circuit_open"
)

// classify attributes a failed attempt. Timeouts, 5xx, and connection errors
// are upstream failures and count against the breaker; 4xx means the request
// itself was bad and must not open the breaker for other callers.
func classify(err error) (circuit.Classification, outcome) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return circuit.FailureCaller, outcomeCaller
		}
		return circuit.FailureUpstream, outcomeUpstream
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return circuit.FailureUpstream, outcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return circuit.FailureUpstream, outcomeTimeout
	}

	// Connection resets, DNS failures, and anything else surfaced by the
	// transport are treated as upstream unavailability.
	return circuit.FailureUpstream, outcomeUpstream
}
