package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesslens/internal/platform/config"
	"accesslens/pkg/platform/sentinel"
)

func TestNew_Unconfigured(t *testing.T) {
	client, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNew_BadURL(t *testing.T) {
	client, err := New(context.Background(), config.RedisConfig{URL: "://not-a-url"})
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestNew_UnreachableStore(t *testing.T) {
	// Port 1 is never serving redis; the dial fails fast.
	client, err := New(context.Background(), config.RedisConfig{
		URL:         "redis://127.0.0.1:1/0",
		DialTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Nil(t, client)
}
