// Package quota enforces tenant-level resource ceilings: consumable scan
// credits and concurrent scan slots. All mutation goes through atomic
// store operations so concurrent reservations across instances cannot both
// win the last unit.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"accesslens/internal/resilience/events"
	"accesslens/internal/resilience/metrics"
	"accesslens/internal/resilience/store"
	dErrors "accesslens/pkg/domain-errors"
	"accesslens/pkg/platform/sentinel"
)

// ResourceKind names a governed resource.
type ResourceKind string

const (
	// ResourceScanCredits is the consumable per-tenant scan allowance.
	ResourceScanCredits ResourceKind = "scan_credits"
	// ResourceScanSlots is the ceiling on concurrently running scans.
	ResourceScanSlots ResourceKind = "scan_slots"
)

// Account is the tenant quota configuration read from the tenant record
// store. This layer never creates or deletes accounts.
type Account struct {
	TenantID           string
	ScanCredits        int64
	MaxConcurrentScans int64
}

// AccountSource provides quota accounts from the system of record.
type AccountSource interface {
	Account(ctx context.Context, tenantID string) (*Account, error)
}

// Admission is the outcome of a reservation attempt.
type Admission struct {
	Granted   bool
	Reason    dErrors.Code  // set when not granted
	Remaining int64         // credits left, or free slots, after this decision
	Degraded  bool          // granted on the fail-open path
}

// Controller is the admission controller for tenant quotas.
type Controller struct {
	store    store.AtomicStore
	accounts AccountSource
	logger   *slog.Logger
	events   events.Publisher

	maxJobDuration      time.Duration
	creditsFailOpen     bool
	concurrencyFailOpen bool

	cacheMu      sync.Mutex
	accountCache map[string]cachedAccount
	cacheTTL     time.Duration
}

type cachedAccount struct {
	account  *Account
	cachedAt time.Time
}

// Option configures the Controller.
type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxJobDuration bounds how long a slot reservation can outlive its job
// before the store expires it.
func WithMaxJobDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.maxJobDuration = d
		}
	}
}

// WithFailOpen sets the store-outage policy per resource kind. Both default
// to fail-open.
func WithFailOpen(credits, concurrency bool) Option {
	return func(c *Controller) {
		c.creditsFailOpen = credits
		c.concurrencyFailOpen = concurrency
	}
}

// WithEvents routes exhaustion and fail-open occurrences to the ops stream.
func WithEvents(publisher events.Publisher) Option {
	return func(c *Controller) {
		if publisher != nil {
			c.events = publisher
		}
	}
}

// New creates a Controller over the given store and account source.
func New(st store.AtomicStore, accounts AccountSource, opts ...Option) (*Controller, error) {
	if st == nil {
		return nil, fmt.Errorf("atomic store is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("account source is required")
	}
	c := &Controller{
		store:               st,
		accounts:            accounts,
		logger:              slog.Default(),
		events:              events.Nop{},
		maxJobDuration:      15 * time.Minute,
		creditsFailOpen:     true,
		concurrencyFailOpen: true,
		accountCache:        make(map[string]cachedAccount),
		cacheTTL:            30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Reserve takes one unit of the resource for tenantID. Callers must pair a
// granted slot reservation with Release on every exit path; the store-level
// TTL only mops up after crashed holders.
func (c *Controller) Reserve(ctx context.Context, tenantID string, kind ResourceKind) (*Admission, error) {
	switch kind {
	case ResourceScanCredits:
		return c.reserveCredit(ctx, tenantID)
	case ResourceScanSlots:
		return c.reserveSlot(ctx, tenantID)
	default:
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "unknown resource kind %q", kind)
	}
}

// Release returns one unit of the resource. Credits are not returned (they
// are consumed); releasing a slot decrements the in-use counter. The
// decrement is clamped at zero on the store side, so an unpaired release
// cannot drive the counter negative even against concurrent releases.
func (c *Controller) Release(ctx context.Context, tenantID string, kind ResourceKind) error {
	if kind != ResourceScanSlots {
		return nil
	}

	if _, err := c.store.DecrFloor(ctx, slotsKey(tenantID)); err != nil {
		c.logger.ErrorContext(ctx, "slot release failed, counter will self-expire",
			"tenant_id", tenantID, "error", err)
	}
	return nil
}

func (c *Controller) reserveCredit(ctx context.Context, tenantID string) (*Admission, error) {
	key := creditsKey(tenantID)

	if err := c.seedCredits(ctx, tenantID, key); err != nil {
		return c.storeFailure(ctx, tenantID, ResourceScanCredits, c.creditsFailOpen, err)
	}

	remaining, err := c.store.IncrBy(ctx, key, -1, 0)
	if err != nil {
		return c.storeFailure(ctx, tenantID, ResourceScanCredits, c.creditsFailOpen, err)
	}

	if remaining < 0 {
		// The decrement lost the race for the last credit. Restore it; no
		// caller may observe a partial charge.
		if _, err := c.store.IncrBy(ctx, key, 1, 0); err != nil {
			c.logger.ErrorContext(ctx, "failed to restore credit after floor check",
				"tenant_id", tenantID, "error", err)
		}
		metrics.ObserveAdmissionDecision(string(ResourceScanCredits), "denied")
		c.events.Emit(ctx, events.Event{
			Kind:      events.KindQuotaExhausted,
			Component: "quota",
			Key:       tenantID,
		})
		return &Admission{Reason: dErrors.CodeQuotaExhausted}, nil
	}

	metrics.ObserveAdmissionDecision(string(ResourceScanCredits), "granted")
	return &Admission{Granted: true, Remaining: remaining}, nil
}

func (c *Controller) reserveSlot(ctx context.Context, tenantID string) (*Admission, error) {
	account, err := c.account(ctx, tenantID)
	if err != nil {
		return c.storeFailure(ctx, tenantID, ResourceScanSlots, c.concurrencyFailOpen, err)
	}

	key := slotsKey(tenantID)

	// TTL applies when the counter is created: if every holder crashes, the
	// whole reservation set self-expires after the maximum job duration.
	inUse, err := c.store.IncrBy(ctx, key, 1, c.maxJobDuration)
	if err != nil {
		return c.storeFailure(ctx, tenantID, ResourceScanSlots, c.concurrencyFailOpen, err)
	}

	if inUse > account.MaxConcurrentScans {
		// The clamped decrement cannot recreate a counter whose ttl expired
		// between the reservation and this undo.
		if _, err := c.store.DecrFloor(ctx, key); err != nil {
			c.logger.ErrorContext(ctx, "failed to undo slot reservation",
				"tenant_id", tenantID, "error", err)
		}
		metrics.ObserveAdmissionDecision(string(ResourceScanSlots), "denied")
		return &Admission{Reason: dErrors.CodeConcurrencyLimit}, nil
	}

	metrics.ObserveAdmissionDecision(string(ResourceScanSlots), "granted")
	return &Admission{Granted: true, Remaining: account.MaxConcurrentScans - inUse}, nil
}

// seedCredits initializes the credit counter from the system of record the
// first time a tenant is seen. SetNX keeps concurrent seeders from clobbering
// a counter that is already live.
func (c *Controller) seedCredits(ctx context.Context, tenantID, key string) error {
	_, err := c.store.Get(ctx, key)
	if err == nil {
		return nil
	}
	if !dErrors.Is(err, sentinel.ErrNotFound) {
		return err
	}

	account, err := c.account(ctx, tenantID)
	if err != nil {
		return err
	}
	_, err = c.store.SetNX(ctx, key, strconv.FormatInt(account.ScanCredits, 10), 0)
	return err
}

func (c *Controller) account(ctx context.Context, tenantID string) (*Account, error) {
	c.cacheMu.Lock()
	if cached, ok := c.accountCache[tenantID]; ok && time.Since(cached.cachedAt) < c.cacheTTL {
		c.cacheMu.Unlock()
		return cached.account, nil
	}
	c.cacheMu.Unlock()

	account, err := c.accounts.Account(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.accountCache[tenantID] = cachedAccount{account: account, cachedAt: time.Now()}
	c.cacheMu.Unlock()
	return account, nil
}

// storeFailure applies the per-resource outage policy: fail open (grant,
// log loudly, count it) or fail closed (deny with StoreUnavailable).
func (c *Controller) storeFailure(ctx context.Context, tenantID string, kind ResourceKind, failOpen bool, err error) (*Admission, error) {
	if failOpen {
		c.logger.ErrorContext(ctx, "quota accounting unavailable, failing open",
			"tenant_id", tenantID, "resource", string(kind), "error", err)
		metrics.ObserveFailOpen("quota")
		metrics.ObserveAdmissionDecision(string(kind), "granted_degraded")
		c.events.Emit(ctx, events.Event{
			Kind:      events.KindFailOpenEngaged,
			Component: "quota",
			Key:       tenantID,
			Fields:    map[string]string{"resource": string(kind)},
		})
		return &Admission{Granted: true, Degraded: true}, nil
	}
	metrics.ObserveAdmissionDecision(string(kind), "denied_unavailable")
	return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "quota accounting unavailable")
}

// Usage is a read-only snapshot of a tenant's quota position.
type Usage struct {
	TenantID         string `json:"tenant_id"`
	CreditsRemaining int64  `json:"credits_remaining"`
	SlotsInUse       int64  `json:"slots_in_use"`
	MaxSlots         int64  `json:"max_slots"`
}

// Usage reports the tenant's current credits and slot occupancy without
// reserving anything. A tenant whose credit counter has not been seeded yet
// reports the full allowance from the system of record.
func (c *Controller) Usage(ctx context.Context, tenantID string) (*Usage, error) {
	account, err := c.account(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "tenant account lookup failed")
	}

	usage := &Usage{
		TenantID:         tenantID,
		CreditsRemaining: account.ScanCredits,
		MaxSlots:         account.MaxConcurrentScans,
	}

	if raw, err := c.store.Get(ctx, creditsKey(tenantID)); err == nil {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			usage.CreditsRemaining = n
		}
	} else if !dErrors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "quota accounting unavailable")
	}

	if raw, err := c.store.Get(ctx, slotsKey(tenantID)); err == nil {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			usage.SlotsInUse = n
		}
	} else if !dErrors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "quota accounting unavailable")
	}

	return usage, nil
}

func creditsKey(tenantID string) string { return "quota:credits:" + tenantID }
func slotsKey(tenantID string) string   { return "quota:slots:" + tenantID }
