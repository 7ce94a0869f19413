// Package lock provides short-lived mutual-exclusion leases coordinated
// through the shared store. Used to keep webhook deliveries idempotent (one
// processing attempt per upstream event id) and to cap scans at one in-flight
// run per tenant and target URL.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"accesslens/internal/resilience/metrics"
	"accesslens/internal/resilience/store"
	dErrors "accesslens/pkg/domain-errors"
)

// Lease is a held lock. The token is owner-unique: release and renew only
// take effect while the store still holds this exact token, so a lease that
// expired and was re-acquired by someone else cannot be disturbed.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Manager acquires and releases leases.
type Manager struct {
	store  store.AtomicStore
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a lock manager over the given store.
func New(st store.AtomicStore, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("atomic store is required")
	}
	m := &Manager{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire attempts to take the lock without blocking. It returns
// CodeLockHeld when another owner holds the key; callers decide whether to
// skip, queue, or retry. A store outage also reads as held; exclusivity is
// never assumed when the store cannot confirm it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, lockKey(key), token, ttl)
	if err != nil {
		m.logger.ErrorContext(ctx, "lock store unavailable, failing closed",
			"key", key, "error", err)
		metrics.ObserveLockAcquisition("store_unavailable")
		return nil, dErrors.Wrap(err, dErrors.CodeLockHeld, "lock state unknown, treating as held")
	}
	if !ok {
		metrics.ObserveLockAcquisition("already_held")
		return nil, dErrors.Newf(dErrors.CodeLockHeld, "lock %s already held", key)
	}

	metrics.ObserveLockAcquisition("acquired")
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Release drops the lease. Returns false if the lease was no longer held by
// this owner (expired and possibly re-acquired); that is not an error for
// the caller, but it is logged since it usually means the job outlived its
// ttl without renewing.
func (m *Manager) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, dErrors.New(dErrors.CodeBadRequest, "nil lease")
	}

	ok, err := m.store.CompareAndDelete(ctx, lockKey(lease.Key), lease.Token)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "lock release failed")
	}
	if !ok {
		m.logger.WarnContext(ctx, "lease expired before release", "key", lease.Key)
	}
	return ok, nil
}

// Renew extends the lease for a long-running job. Same token discipline as
// Release: a lease that already expired cannot be revived.
func (m *Manager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	if lease == nil {
		return false, dErrors.New(dErrors.CodeBadRequest, "nil lease")
	}
	if ttl <= 0 {
		return false, dErrors.New(dErrors.CodeBadRequest, "lock ttl must be positive")
	}

	ok, err := m.store.CompareAndExpire(ctx, lockKey(lease.Key), lease.Token, ttl)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "lock renew failed")
	}
	if ok {
		lease.TTL = ttl
	}
	return ok, nil
}

// ScanKey builds the lock key capping one in-flight scan per tenant and
// normalized target URL.
func ScanKey(tenantID, normalizedURL string) string {
	return fmt.Sprintf("scan:%s:%s", tenantID, normalizedURL)
}

// WebhookKey builds the idempotency lock key for an upstream event delivery.
func WebhookKey(provider, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", provider, eventID)
}

func lockKey(key string) string { return "lock:" + key }
