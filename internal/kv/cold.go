package kv

import "context"

// EventType tags a watch event as a put or a delete.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "delete"
	}
	return "put"
}

// WatchEvent is one change observed on a watched prefix.
type WatchEvent struct {
	Type     EventType
	Key      string
	Value    []byte
	Revision int64
}

// KVPair is one entry returned by a prefix scan.
type KVPair struct {
	Key   string
	Value []byte
}

// Cold is the config-path store: strongly consistent, with prefix
// scans and long-lived prefix watches. etcd in production, an
// in-memory fake in tests.
type Cold interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns (nil, false, nil) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	// GetPrefix scans every key under prefix and returns the store
	// revision of the snapshot, so a watch can resume from it without
	// missing changes.
	GetPrefix(ctx context.Context, prefix string) ([]KVPair, int64, error)

	// Watch streams changes under prefix starting after fromRev.
	// The channel closes when ctx is cancelled or the stream breaks;
	// callers are expected to rescan and re-watch.
	Watch(ctx context.Context, prefix string, fromRev int64) (<-chan WatchEvent, error)

	Close() error
}
