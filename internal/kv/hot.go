// Package kv defines the two key-value abstractions the defense core
// runs on: a low-latency Hot store for counters, rings and TTL lists
// (request path) and a strongly consistent Cold store for the global
// config tree (admin path). Concrete adapters live alongside the
// interfaces; consumers never import a driver directly, cmd/ wires
// the adapters in.
package kv

import (
	"context"
	"time"
)

// Hot is the request-path store. Implementations must keep every call
// in single-digit milliseconds and honor the context deadline.
type Hot interface {
	// IncrWithTTL atomically increments key and (re)arms its TTL,
	// returning the post-increment count. Used for fixed-window
	// rate counters.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only when the key is absent, reporting whether the
	// write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ListPush prepends values; ListTrim keeps [start, stop] (newest
	// first); ListRange reads [start, stop]. Together they implement
	// the capped ring buffers (audit log, timestamp rings).
	ListPush(ctx context.Context, key string, values ...string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SetCard(ctx context.Context, key string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Keys matches a glob pattern. Only used off the hot path
	// (list-management endpoints).
	Keys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function. Delivery is at-most-once.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	Ping(ctx context.Context) error
	Close() error
}
