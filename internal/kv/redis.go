package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHot wraps go-redis v9 behind the Hot interface. One pooled
// client per process; no per-request connections.
type RedisHot struct {
	rdb *redis.Client
}

// NewRedisHot connects to Redis and verifies the connection with a
// ping before returning.
func NewRedisHot(addr, password string, db int) (*RedisHot, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisHot{rdb: rdb}, nil
}

// NewRedisHotFromClient wraps an existing client. Tests use this with
// a miniredis-backed client.
func NewRedisHotFromClient(rdb *redis.Client) *RedisHot {
	return &RedisHot{rdb: rdb}
}

func (h *RedisHot) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	pipe := h.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Classify("redis INCR "+key, err)
	}
	return incr.Val(), nil
}

func (h *RedisHot) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	val, err := h.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("redis GET %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", Classify("redis GET "+key, err)
	}
	return val, nil
}

func (h *RedisHot) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return Classify("redis SET "+key, h.rdb.Set(ctx, key, value, ttl).Err())
}

func (h *RedisHot) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ok, err := h.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, Classify("redis SETNX "+key, err)
	}
	return ok, nil
}

func (h *RedisHot) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return Classify("redis DEL", h.rdb.Del(ctx, keys...).Err())
}

func (h *RedisHot) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	n, err := h.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, Classify("redis EXISTS "+key, err)
	}
	return n > 0, nil
}

func (h *RedisHot) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	d, err := h.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, Classify("redis TTL "+key, err)
	}
	return d, nil
}

func (h *RedisHot) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return Classify("redis EXPIRE "+key, h.rdb.Expire(ctx, key, ttl).Err())
}

func (h *RedisHot) ListPush(ctx context.Context, key string, values ...string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ifaces := make([]interface{}, len(values))
	for i, v := range values {
		ifaces[i] = v
	}
	return Classify("redis LPUSH "+key, h.rdb.LPush(ctx, key, ifaces...).Err())
}

func (h *RedisHot) ListTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return Classify("redis LTRIM "+key, h.rdb.LTrim(ctx, key, start, stop).Err())
}

func (h *RedisHot) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	vals, err := h.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, Classify("redis LRANGE "+key, err)
	}
	return vals, nil
}

func (h *RedisHot) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	pipe := h.rdb.Pipeline()
	pipe.SAdd(ctx, key, ifaces...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Classify("redis SADD "+key, err)
	}
	return nil
}

func (h *RedisHot) SetCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	n, err := h.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, Classify("redis SCARD "+key, err)
	}
	return n, nil
}

func (h *RedisHot) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	members, err := h.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, Classify("redis SMEMBERS "+key, err)
	}
	return members, nil
}

func (h *RedisHot) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	keys, err := h.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, Classify("redis KEYS "+pattern, err)
	}
	return keys, nil
}

func (h *RedisHot) Publish(ctx context.Context, channel string, message []byte) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return Classify("redis PUBLISH "+channel, h.rdb.Publish(ctx, channel, message).Err())
}

// Subscribe registers a handler for messages on a Redis Pub/Sub
// channel and returns an unsubscribe function. The handler runs on a
// dedicated goroutine per subscription. The stream is long-lived, so
// the per-call deadline does not apply.
func (h *RedisHot) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := h.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, Classify("redis SUBSCRIBE "+channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

func (h *RedisHot) Ping(ctx context.Context) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return Classify("redis PING", h.rdb.Ping(ctx).Err())
}

func (h *RedisHot) Close() error {
	return h.rdb.Close()
}
