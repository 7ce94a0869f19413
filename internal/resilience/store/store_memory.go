package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"accesslens/pkg/platform/sentinel"
)

// MemoryStore is an in-process AtomicStore with the same semantics as the
// Redis implementation. It exists for unit tests and single-instance local
// development; it provides no cross-process coordination.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	subMu sync.RWMutex
	subs  map[string][]*memorySubscription
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		subs:    make(map[string][]*memorySubscription),
	}
}

// live returns the entry at key, dropping it first if expired.
// Callers must hold s.mu.
func (s *MemoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.live(key, now)
	if e == nil {
		e = &memoryEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.entries[key] = e
	}

	n, _ := strconv.ParseInt(e.value, 10, 64)
	n += delta
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) DecrFloor(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key, time.Now())
	if e == nil {
		return 0, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	if n <= 0 {
		return 0, nil
	}
	n--
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key, time.Now())
	if e == nil {
		return "", sentinel.ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.live(key, now) != nil {
		return false, nil
	}

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key, time.Now())
	if e == nil || e.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.live(key, now)
	if e == nil || e.value != value {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Publish(_ context.Context, topic, payload string) error {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, sub := range s.subs[topic] {
		select {
		case sub.out <- payload:
		default: // slow subscriber, drop (delivery is best-effort)
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		store: s,
		topic: topic,
		out:   make(chan string, 16),
	}

	s.subMu.Lock()
	s.subs[topic] = append(s.subs[topic], sub)
	s.subMu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	store  *MemoryStore
	topic  string
	out    chan string
	closed sync.Once
}

func (s *memorySubscription) C() <-chan string { return s.out }

func (s *memorySubscription) Close() error {
	s.closed.Do(func() {
		s.store.subMu.Lock()
		subs := s.store.subs[s.topic]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.store.subMu.Unlock()
		close(s.out)
	})
	return nil
}
