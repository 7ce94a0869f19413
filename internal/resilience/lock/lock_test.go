package lock

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
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	m, err := New(st)
	require.NoError(t, err)
	return m, st
}

func TestAcquire(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, ScanKey("tenant-1", "example.com/pricing"), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)
	assert.Equal(t, time.Minute, lease.TTL)

	_, err = m.Acquire(ctx, ScanKey("tenant-1", "example.com/pricing"), time.Minute)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeLockHeld))

	// Different target, no contention.
	_, err = m.Acquire(ctx, ScanKey("tenant-1", "example.com/docs"), time.Minute)
	assert.NoError(t, err)
}

func TestAcquire_NonPositiveTTL(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Acquire(context.Background(), "k", 0)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestAcquire_ExactlyOneWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var wins, losses atomic.Int64
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			_, err := m.Acquire(ctx, WebhookKey("stripe", "evt_123"), time.Minute)
			switch {
			case err == nil:
				wins.Add(1)
			case dErrors.HasCode(err, dErrors.CodeLockHeld):
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(15), losses.Load())
}

func TestRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	ok, err := m.Release(ctx, lease)
	require.NoError(t, err)
	assert.True(t, ok)

	// Released key is free again.
	_, err = m.Acquire(ctx, "job", time.Minute)
	assert.NoError(t, err)
}

func TestRelease_DoesNotDisturbNewOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "job", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	fresh, err := m.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	ok, err := m.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "stale lease must not release the new owner")

	ok, err = m.Release(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_NilLease(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Release(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestRenew(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "job", 30*time.Millisecond)
	require.NoError(t, err)

	ok, err := m.Renew(ctx, lease, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, lease.TTL)

	time.Sleep(60 * time.Millisecond)

	// Renewed past the original ttl; the key is still held.
	_, err = m.Acquire(ctx, "job", time.Minute)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeLockHeld))
}

func TestRenew_ExpiredLease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "job", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	ok, err := m.Renew(ctx, lease, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 20*time.Millisecond, lease.TTL, "failed renew must not update the lease")
}

func TestAcquire_FailsClosedOnStoreOutage(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockAtomicStore(ctrl)
	st.EXPECT().
		SetNX(gomock.Any(), "lock:job", gomock.Any(), time.Minute).
		Return(false, errors.New("dial tcp: connection refused"))

	m, err := New(st)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "job", time.Minute)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeLockHeld))
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "scan:tenant-1:example.com/", ScanKey("tenant-1", "example.com/"))
	assert.Equal(t, "webhook:stripe:evt_9", WebhookKey("stripe", "evt_9"))
}
