// Package notify fans out job-completion signals across instances so a
// handler long-polling for a scan result learns about completion immediately
// instead of busy-polling the system of record.
//
// Delivery is best-effort and at-most-once per connected subscriber. A
// subscriber that connects after publish misses the message; callers needing
// durability must persist state externally and poll as a fallback.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"accesslens/internal/resilience/store"
)

// Completion is the payload published when a job finishes.
type Completion struct {
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	Outcome    string    `json:"outcome"`
	FinishedAt time.Time `json:"finished_at"`
}

// Notifier publishes and subscribes to completion topics.
type Notifier struct {
	store  store.AtomicStore
	logger *slog.Logger
}

// Option configures the Notifier.
type Option func(*Notifier)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a Notifier over the given store.
func New(st store.AtomicStore, opts ...Option) (*Notifier, error) {
	if st == nil {
		return nil, fmt.Errorf("atomic store is required")
	}
	n := &Notifier{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Publish announces a completion on topic. A publish failure is logged but
// not surfaced: waiters fall back to polling the system of record.
func (n *Notifier) Publish(ctx context.Context, topic string, completion Completion) error {
	payload, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	if err := n.store.Publish(ctx, topicKey(topic), string(payload)); err != nil {
		n.logger.WarnContext(ctx, "completion publish failed, waiters will poll",
			"topic", topic, "job_id", completion.JobID, "error", err)
		return err
	}
	return nil
}

// Subscribe opens a completion stream for topic. The caller owns the
// subscription's duration and must Close it; payloads that fail to decode
// are dropped with a log line.
func (n *Notifier) Subscribe(ctx context.Context, topic string) (*Stream, error) {
	sub, err := n.store.Subscribe(ctx, topicKey(topic))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &Stream{
		sub:    sub,
		out:    make(chan Completion, 4),
		done:   make(chan struct{}),
		logger: n.logger,
		topic:  topic,
	}
	go s.decode()
	return s, nil
}

// Stream delivers decoded completions until Close.
type Stream struct {
	sub       store.Subscription
	out       chan Completion
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
	topic     string
}

// C returns the completion channel. It is closed when the stream ends.
func (s *Stream) C() <-chan Completion { return s.out }

// Close terminates the stream. Undelivered completions are discarded.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.sub.Close()
}

func (s *Stream) decode() {
	defer close(s.out)
	for payload := range s.sub.C() {
		var completion Completion
		if err := json.Unmarshal([]byte(payload), &completion); err != nil {
			s.logger.Warn("dropping malformed completion payload", "topic", s.topic, "error", err)
			continue
		}
		// A closed stream must release this goroutine even when the caller
		// stopped draining the channel.
		select {
		case s.out <- completion:
		case <-s.done:
			return
		}
	}
}

// ScanTopic names the completion topic for a tenant's scan of a target URL.
func ScanTopic(tenantID, normalizedURL string) string {
	return fmt.Sprintf("scan:%s:%s", tenantID, normalizedURL)
}

func topicKey(topic string) string { return "done:" + topic }
