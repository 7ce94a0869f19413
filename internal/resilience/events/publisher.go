// Package events publishes operational resilience events (breaker opened,
// fail-open engaged, spend budget exhausted) to the ops stream. Publication
// is best-effort and non-blocking: dropping an event is always preferable to
// slowing down the request path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Event kinds emitted by this layer.
const (
	KindBreakerOpened   = "breaker_opened"
	KindBreakerClosed   = "breaker_closed"
	KindFailOpenEngaged = "fail_open_engaged"
	KindSpendExhausted  = "spend_budget_exhausted"
	KindQuotaExhausted  = "quota_exhausted"
)

// Event is one operational occurrence worth alerting on.
type Event struct {
	Kind      string            `json:"kind"`
	Component string            `json:"component"`
	Key       string            `json:"key"` // service, tenant, or policy the event is about
	At        time.Time         `json:"at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Publisher emits resilience events. Implementations must never block the
// caller on broker backpressure.
type Publisher interface {
	Emit(ctx context.Context, event Event)
}

// KafkaPublisher produces events to the ops topic via franz-go.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger

	// Repeats of the same (kind, key) within the damping interval are
	// dropped so a flapping breaker cannot flood the ops stream.
	mu       sync.Mutex
	lastSeen map[string]time.Time
	damping  time.Duration
}

// Option configures a KafkaPublisher.
type Option func(*KafkaPublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDamping sets the repeat-suppression interval. Zero disables damping.
func WithDamping(d time.Duration) Option {
	return func(p *KafkaPublisher) { p.damping = d }
}

// NewKafka dials the brokers and returns a publisher for the given topic.
func NewKafka(brokers []string, topic string, opts ...Option) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	p := &KafkaPublisher{
		client:   client,
		topic:    topic,
		logger:   slog.Default(),
		lastSeen: make(map[string]time.Time),
		damping:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Emit produces the event asynchronously. Errors are logged, never returned;
// the request path does not wait for broker acknowledgement.
func (p *KafkaPublisher) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if p.damped(event) {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal ops event", "kind", event.Kind, "error", err)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Key),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("ops event dropped", "kind", event.Kind, "key", event.Key, "error", err)
		}
	})
}

func (p *KafkaPublisher) damped(event Event) bool {
	if p.damping <= 0 {
		return false
	}
	key := event.Kind + ":" + event.Key

	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastSeen[key]; ok && time.Since(last) < p.damping {
		return true
	}
	p.lastSeen[key] = time.Now()
	return false
}

// Close flushes pending records and releases the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush ops events: %w", err)
	}
	p.client.Close()
	return nil
}

// Nop discards all events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
