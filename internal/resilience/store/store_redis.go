package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"accesslens/pkg/platform/sentinel"
)

// Lua scripts for token-checked operations. Both run atomically server-side;
// a GET followed by a DEL/EXPIRE on the client would race with lease expiry.
var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	compareAndExpireScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	decrFloorScript = redis.NewScript(`
local v = tonumber(redis.call("get", KEYS[1]))
if not v or v <= 0 then
	return 0
end
return redis.call("decr", KEYS[1])`)
)

// RedisStore is the production AtomicStore backed by Redis. It is safe for
// concurrent use by any number of goroutines and instances.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedis constructs a Redis-backed atomic store.
func NewRedis(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		n, err := s.client.IncrBy(ctx, key, delta).Result()
		if err != nil {
			return 0, storeErr("incrby", err)
		}
		return n, nil
	}

	// EXPIRE NX only applies on first increment, so a window's ttl is pinned
	// to its creation time.
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, storeErr("incrby", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	n, err := decrFloorScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return 0, storeErr("decr-floor", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", sentinel.ErrNotFound
		}
		return "", storeErr("get", err)
	}
	return v, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, value).Int()
	if err != nil {
		return false, storeErr("compare-and-delete", err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpireScript.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, storeErr("compare-and-expire", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return storeErr("del", err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, topic, payload string) error {
	if err := s.client.Publish(ctx, topic, payload).Err(); err != nil {
		return storeErr("publish", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, topic)

	// Confirm the subscription before handing it out so a publish immediately
	// after Subscribe returns is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, storeErr("subscribe", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan string, 16),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	out       chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		// Close must release this goroutine even when the subscriber stopped
		// draining the channel.
		select {
		case s.out <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan string { return s.out }

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %v", op, sentinel.ErrUnavailable, err)
}
