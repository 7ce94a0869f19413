// Package call wraps every outbound call to a third-party service with the
// circuit breaker, a mandatory timeout, and retry with exponential backoff.
// Retry loops must not be re-implemented per integration; this is the one
// place upstream calls are protected and measured.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"accesslens/internal/resilience/circuit"
	"accesslens/internal/resilience/events"
	"accesslens/internal/resilience/metrics"
	dErrors "accesslens/pkg/domain-errors"
)

// CircuitOpenError is returned without any network call when the breaker for
// a service is open. RetryAfter estimates the remaining cooldown.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Service, e.RetryAfter)
}

// Options control a single protected call.
type Options struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	Jitter      bool
}

// Option overrides one call option.
type Option func(*Options)

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

func WithBackoffBase(d time.Duration) Option {
	return func(o *Options) { o.BackoffBase = d }
}

func WithJitter(enabled bool) Option {
	return func(o *Options) { o.Jitter = enabled }
}

// Executor runs operations against upstream services through their breakers.
type Executor struct {
	breakers *circuit.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	events   events.Publisher
	defaults Options
	sleep    func(context.Context, time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithDefaults(opts Options) ExecutorOption {
	return func(e *Executor) { e.defaults = opts }
}

// WithEvents routes breaker transitions to the ops event stream.
func WithEvents(publisher events.Publisher) ExecutorOption {
	return func(e *Executor) {
		if publisher != nil {
			e.events = publisher
		}
	}
}

// withSleep overrides backoff sleeping for tests.
func withSleep(sleep func(context.Context, time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor creates an executor over the given breaker registry.
func NewExecutor(breakers *circuit.Registry, opts ...ExecutorOption) (*Executor, error) {
	if breakers == nil {
		return nil, fmt.Errorf("breaker registry is required")
	}
	e := &Executor{
		breakers: breakers,
		logger:   slog.Default(),
		tracer:   otel.Tracer("accesslens/resilience/call"),
		events:   events.Nop{},
		defaults: Options{
			Timeout:     10 * time.Second,
			MaxRetries:  2,
			BackoffBase: 200 * time.Millisecond,
			Jitter:      true,
		},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Operation is a single upstream invocation. The wrapper passes a context
// carrying the per-attempt timeout; operations must honor it.
type Operation[T any] func(ctx context.Context) (T, error)

// Do executes op against service through its circuit breaker. Upstream
// failures are retried with exponential backoff up to MaxRetries; caller
// errors are surfaced immediately and never retried. When the breaker is
// open the call fails fast with CodeCircuitOpen and no network call is made.
func Do[T any](ctx context.Context, e *Executor, service string, op Operation[T], opts ...Option) (T, error) {
	var zero T

	o := e.defaults
	for _, opt := range opts {
		opt(&o)
	}

	breaker := e.breakers.Get(service)

	var lastErr error
	for attempt := 0; ; attempt++ {
		decision := breaker.Allow()
		if !decision.Proceed {
			metrics.ObserveUpstreamAttempt(service, string(outcomeRejected), 0)
			e.logger.WarnContext(ctx, "upstream call rejected, circuit open",
				"service", service, "retry_after", decision.RetryAfter)
			return zero, dErrors.Wrap(
				&CircuitOpenError{Service: service, RetryAfter: decision.RetryAfter},
				dErrors.CodeCircuitOpen, "upstream unavailable")
		}

		result, err := runAttempt(ctx, e, service, attempt, o, op)
		if err == nil {
			wasHalfOpen := breaker.State() == circuit.StateHalfOpen
			breaker.RecordSuccess()
			if wasHalfOpen && breaker.State() == circuit.StateClosed {
				metrics.ObserveBreakerTransition(service, circuit.StateClosed.String())
				e.events.Emit(ctx, events.Event{
					Kind:      events.KindBreakerClosed,
					Component: "call",
					Key:       service,
				})
			}
			return result, nil
		}
		lastErr = err

		classification, oc := classify(err)
		wasOpen := breaker.State() == circuit.StateOpen
		breaker.RecordFailure(classification)
		if !wasOpen && breaker.State() == circuit.StateOpen {
			metrics.ObserveBreakerTransition(service, circuit.StateOpen.String())
			e.events.Emit(ctx, events.Event{
				Kind:      events.KindBreakerOpened,
				Component: "call",
				Key:       service,
			})
		}

		if classification == circuit.FailureCaller {
			return zero, dErrors.Wrap(err, dErrors.CodeCallerError,
				fmt.Sprintf("%s rejected the request", service))
		}

		if attempt >= o.MaxRetries {
			code := dErrors.CodeUpstreamError
			if oc == outcomeTimeout {
				code = dErrors.CodeUpstreamTimeout
			}
			return zero, dErrors.Wrap(lastErr, code,
				fmt.Sprintf("%s failed after %d attempts", service, attempt+1))
		}

		if err := e.sleep(ctx, backoff(o, attempt)); err != nil {
			return zero, dErrors.Wrap(err, dErrors.CodeUpstreamError,
				fmt.Sprintf("%s call canceled during backoff", service))
		}
	}
}

// runAttempt runs one invocation with its own timeout, span, log line, and
// metrics observation.
func runAttempt[T any](ctx context.Context, e *Executor, service string, n int, o Options, op Operation[T]) (T, error) {
	ctx, span := e.tracer.Start(ctx, "upstream."+service, trace.WithAttributes(
		attribute.String("upstream.service", service),
		attribute.Int("upstream.attempt", n),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	start := time.Now()
	result, err := op(attemptCtx)
	elapsed := time.Since(start)

	if err != nil {
		_, oc := classify(err)
		metrics.ObserveUpstreamAttempt(service, string(oc), elapsed)
		span.RecordError(err)
		e.logger.WarnContext(ctx, "upstream call attempt failed",
			"service", service, "attempt", n, "outcome", string(oc),
			"elapsed_ms", elapsed.Milliseconds(), "error", err)
		return result, err
	}

	metrics.ObserveUpstreamAttempt(service, string(outcomeSuccess), elapsed)
	e.logger.DebugContext(ctx, "upstream call attempt succeeded",
		"service", service, "attempt", n, "elapsed_ms", elapsed.Milliseconds())
	return result, nil
}

// backoff computes the delay before retry number attempt+1.
func backoff(o Options, attempt int) time.Duration {
	d := o.BackoffBase << attempt
	if o.Jitter && o.BackoffBase > 0 {
		d += time.Duration(rand.Int64N(int64(o.BackoffBase)))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
