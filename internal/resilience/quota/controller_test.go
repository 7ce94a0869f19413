package quota

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"accesslens/internal/resilience/store"
	"accesslens/internal/resilience/store/mocks"
	dErrors "accesslens/pkg/domain-errors"
	"accesslens/pkg/platform/sentinel"
)

func newTestController(t *testing.T, st store.AtomicStore, account Account, opts ...Option) *Controller {
	t.Helper()
	accounts := NewMemoryAccounts()
	accounts.Put(account)
	c, err := New(st, accounts, opts...)
	require.NoError(t, err)
	return c
}

func TestReserve_CreditsCountDownToZero(t *testing.T) {
	c := newTestController(t, store.NewMemory(), Account{
		TenantID: "tenant-1", ScanCredits: 3, MaxConcurrentScans: 1,
	})
	ctx := context.Background()

	for want := int64(2); want >= 0; want-- {
		adm, err := c.Reserve(ctx, "tenant-1", ResourceScanCredits)
		require.NoError(t, err)
		assert.True(t, adm.Granted)
		assert.Equal(t, want, adm.Remaining)
	}

	adm, err := c.Reserve(ctx, "tenant-1", ResourceScanCredits)
	require.NoError(t, err)
	assert.False(t, adm.Granted)
	assert.Equal(t, dErrors.CodeQuotaExhausted, adm.Reason)
}

func TestReserve_CreditsNeverOversubscribed(t *testing.T) {
	st := store.NewMemory()
	c := newTestController(t, st, Account{
		TenantID: "tenant-1", ScanCredits: 5, MaxConcurrentScans: 1,
	})
	ctx := context.Background()

	var granted, denied atomic.Int64
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			adm, err := c.Reserve(ctx, "tenant-1", ResourceScanCredits)
			if err != nil {
				return err
			}
			if adm.Granted {
				granted.Add(1)
			} else {
				denied.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(5), granted.Load())
	assert.Equal(t, int64(3), denied.Load())

	v, err := st.Get(ctx, creditsKey("tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestReserve_SlotsBoundConcurrency(t *testing.T) {
	c := newTestController(t, store.NewMemory(), Account{
		TenantID: "tenant-1", ScanCredits: 100, MaxConcurrentScans: 2,
	})
	ctx := context.Background()

	adm, err := c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
	assert.Equal(t, int64(1), adm.Remaining)

	adm, err = c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
	assert.Zero(t, adm.Remaining)

	adm, err = c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.False(t, adm.Granted)
	assert.Equal(t, dErrors.CodeConcurrencyLimit, adm.Reason)

	// Releasing a slot frees capacity again.
	require.NoError(t, c.Release(ctx, "tenant-1", ResourceScanSlots))
	adm, err = c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
}

func TestReserve_SlotsConcurrentBurst(t *testing.T) {
	c := newTestController(t, store.NewMemory(), Account{
		TenantID: "tenant-1", ScanCredits: 100, MaxConcurrentScans: 3,
	})
	ctx := context.Background()

	var granted atomic.Int64
	var g errgroup.Group
	for range 10 {
		g.Go(func() error {
			adm, err := c.Reserve(ctx, "tenant-1", ResourceScanSlots)
			if err != nil {
				return err
			}
			if adm.Granted {
				granted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(3), granted.Load())
}

func TestRelease_ClampsUnpairedRelease(t *testing.T) {
	st := store.NewMemory()
	c := newTestController(t, st, Account{
		TenantID: "tenant-1", ScanCredits: 100, MaxConcurrentScans: 1,
	})
	ctx := context.Background()

	require.NoError(t, c.Release(ctx, "tenant-1", ResourceScanSlots))

	v, err := st.Get(ctx, slotsKey("tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	// A granted reservation after the stray release still fits.
	adm, err := c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
}

func TestRelease_ConcurrentUnpairedReleases(t *testing.T) {
	st := store.NewMemory()
	c := newTestController(t, st, Account{
		TenantID: "tenant-1", ScanCredits: 100, MaxConcurrentScans: 3,
	})
	ctx := context.Background()

	adm, err := c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	require.True(t, adm.Granted)

	// One reservation, many racing releases: the counter must floor at zero,
	// never go negative and strand phantom capacity.
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			return c.Release(ctx, "tenant-1", ResourceScanSlots)
		})
	}
	require.NoError(t, g.Wait())

	v, err := st.Get(ctx, slotsKey("tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	adm, err = c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
	assert.Equal(t, int64(2), adm.Remaining)
}

func TestRelease_CreditsAreConsumable(t *testing.T) {
	st := store.NewMemory()
	c := newTestController(t, st, Account{
		TenantID: "tenant-1", ScanCredits: 2, MaxConcurrentScans: 1,
	})
	ctx := context.Background()

	adm, err := c.Reserve(ctx, "tenant-1", ResourceScanCredits)
	require.NoError(t, err)
	require.True(t, adm.Granted)

	require.NoError(t, c.Release(ctx, "tenant-1", ResourceScanCredits))

	v, err := st.Get(ctx, creditsKey("tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, "1", v, "release must not refund consumed credits")
}

func TestReserve_UnknownResourceKind(t *testing.T) {
	c := newTestController(t, store.NewMemory(), Account{TenantID: "tenant-1"})

	_, err := c.Reserve(context.Background(), "tenant-1", ResourceKind("cpu_seconds"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestReserve_FailOpenOnStoreOutage(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockAtomicStore(ctrl)
	st.EXPECT().
		Get(gomock.Any(), creditsKey("tenant-1")).
		Return("", errors.New("dial tcp: connection refused"))

	accounts := NewMemoryAccounts()
	accounts.Put(Account{TenantID: "tenant-1", ScanCredits: 5, MaxConcurrentScans: 1})
	c, err := New(st, accounts)
	require.NoError(t, err)

	adm, err := c.Reserve(context.Background(), "tenant-1", ResourceScanCredits)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
	assert.True(t, adm.Degraded)
}

func TestReserve_FailClosedOnStoreOutage(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockAtomicStore(ctrl)
	st.EXPECT().
		Get(gomock.Any(), creditsKey("tenant-1")).
		Return("", errors.New("dial tcp: connection refused"))

	accounts := NewMemoryAccounts()
	accounts.Put(Account{TenantID: "tenant-1", ScanCredits: 5, MaxConcurrentScans: 1})
	c, err := New(st, accounts, WithFailOpen(false, false))
	require.NoError(t, err)

	_, err = c.Reserve(context.Background(), "tenant-1", ResourceScanCredits)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStoreUnavailable))
}

func TestReserve_SlotTTLSetOnCreation(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockAtomicStore(ctrl)
	st.EXPECT().
		IncrBy(gomock.Any(), slotsKey("tenant-1"), int64(1), 5*time.Minute).
		Return(int64(1), nil)

	accounts := NewMemoryAccounts()
	accounts.Put(Account{TenantID: "tenant-1", ScanCredits: 5, MaxConcurrentScans: 2})
	c, err := New(st, accounts, WithMaxJobDuration(5*time.Minute))
	require.NoError(t, err)

	adm, err := c.Reserve(context.Background(), "tenant-1", ResourceScanSlots)
	require.NoError(t, err)
	assert.True(t, adm.Granted)
}

func TestAccountCache(t *testing.T) {
	counting := &countingAccountSource{account: Account{
		TenantID: "tenant-1", ScanCredits: 100, MaxConcurrentScans: 5,
	}}
	c, err := New(store.NewMemory(), counting)
	require.NoError(t, err)
	ctx := context.Background()

	for range 4 {
		_, err := c.Reserve(ctx, "tenant-1", ResourceScanSlots)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, counting.calls, "account lookups should be cached")
}

func TestUsage(t *testing.T) {
	c := newTestController(t, store.NewMemory(), Account{
		TenantID: "tenant-1", ScanCredits: 10, MaxConcurrentScans: 3,
	})
	ctx := context.Background()

	// Before any reservation the snapshot reflects the system of record.
	usage, err := c.Usage(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.CreditsRemaining)
	assert.Zero(t, usage.SlotsInUse)
	assert.Equal(t, int64(3), usage.MaxSlots)

	_, err = c.Reserve(ctx, "tenant-1", ResourceScanCredits)
	require.NoError(t, err)
	_, err = c.Reserve(ctx, "tenant-1", ResourceScanSlots)
	require.NoError(t, err)

	usage, err = c.Usage(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), usage.CreditsRemaining)
	assert.Equal(t, int64(1), usage.SlotsInUse)
}

func TestUsage_UnknownTenant(t *testing.T) {
	c := newTestController(t, store.NewMemory(), Account{TenantID: "tenant-1"})

	_, err := c.Usage(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestMemoryAccounts_DefaultAllowance(t *testing.T) {
	accounts := NewMemoryAccounts()
	ctx := context.Background()

	_, err := accounts.Account(ctx, "tenant-1")
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	accounts.SetDefaults(40, 2)

	account, err := accounts.Account(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", account.TenantID)
	assert.Equal(t, int64(40), account.ScanCredits)
	assert.Equal(t, int64(2), account.MaxConcurrentScans)

	// An explicit record still wins over the defaults.
	accounts.Put(Account{TenantID: "tenant-1", ScanCredits: 500, MaxConcurrentScans: 8})
	account, err = accounts.Account(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), account.ScanCredits)
}

type countingAccountSource struct {
	account Account
	calls   int
}

func (s *countingAccountSource) Account(_ context.Context, tenantID string) (*Account, error) {
	s.calls++
	a := s.account
	a.TenantID = tenantID
	return &a, nil
}
