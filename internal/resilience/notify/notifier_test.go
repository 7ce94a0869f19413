package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"accesslens/internal/resilience/store"
	"accesslens/internal/resilience/store/mocks"
)

func TestPublishSubscribe(t *testing.T) {
	st := store.NewMemory()
	n, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	topic := ScanTopic("tenant-1", "example.com/")
	stream, err := n.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer stream.Close()

	finished := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, n.Publish(ctx, topic, Completion{
		JobID:      "job-1",
		TenantID:   "tenant-1",
		Outcome:    "succeeded",
		FinishedAt: finished,
	}))

	select {
	case got := <-stream.C():
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, "succeeded", got.Outcome)
		assert.True(t, got.FinishedAt.Equal(finished))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSubscribe_TopicsAreIsolated(t *testing.T) {
	st := store.NewMemory()
	n, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	stream, err := n.Subscribe(ctx, ScanTopic("tenant-1", "example.com/"))
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, n.Publish(ctx, ScanTopic("tenant-2", "example.com/"), Completion{JobID: "other"}))

	select {
	case got := <-stream.C():
		t.Fatalf("unexpected completion %q from foreign topic", got.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_DropsMalformedPayloads(t *testing.T) {
	st := store.NewMemory()
	n, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	stream, err := n.Subscribe(ctx, "jobs")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, st.Publish(ctx, "done:jobs", "{not json"))
	require.NoError(t, n.Publish(ctx, "jobs", Completion{JobID: "job-2"}))

	select {
	case got := <-stream.C():
		assert.Equal(t, "job-2", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the valid completion")
	}
}

func TestStream_CloseEndsChannel(t *testing.T) {
	n, err := New(store.NewMemory())
	require.NoError(t, err)

	stream, err := n.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	select {
	case _, open := <-stream.C():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestStream_CloseWithBacklogEndsChannel(t *testing.T) {
	st := store.NewMemory()
	n, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	stream, err := n.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	// More completions than the stream buffers, none drained.
	for i := 0; i < 8; i++ {
		require.NoError(t, n.Publish(ctx, "jobs", Completion{JobID: "job-backlog"}))
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stream.Close())

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-stream.C():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream channel never closed after Close with a backlog")
		}
	}
}

func TestPublish_SurfacesStoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockAtomicStore(ctrl)
	st.EXPECT().
		Publish(gomock.Any(), "done:jobs", gomock.Any()).
		Return(errors.New("connection reset"))

	n, err := New(st)
	require.NoError(t, err)

	err = n.Publish(context.Background(), "jobs", Completion{JobID: "job-3"})
	assert.Error(t, err)
}
