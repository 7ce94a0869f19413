// Package redis dials the shared store backing every cross-instance counter,
// lease, and notification channel in the resilience layer. The connection is
// optional: with no URL configured, callers fall back to the in-process store
// and lose cross-instance coordination only.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"accesslens/internal/platform/config"
	"accesslens/internal/resilience/store"
	"accesslens/pkg/platform/sentinel"
)

// Client is the dialed connection to the shared store.
type Client struct {
	*redis.Client
}

// New dials the shared store and verifies it answers before handing the
// connection out; admission decisions should not start against a store that
// was never reachable. Returns nil when no URL is configured.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w: %v", sentinel.ErrUnavailable, err)
	}
	return &Client{Client: client}, nil
}

// Store returns the atomic store over this connection.
func (c *Client) Store() *store.RedisStore {
	return store.NewRedis(c.Client)
}

// Health reports connectivity for the ops health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}
