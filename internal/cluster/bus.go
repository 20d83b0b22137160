// Package cluster distributes operational signals between edge nodes
// over the Hot KV pub/sub channel. Delivery is best-effort and
// at-most-once; nothing here is authoritative, the Cold KV config
// tree is.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdn-defense/edge/internal/kv"
)

// Channel carries every cluster event. One channel keeps the fan-out
// trivially ordered per publisher.
const Channel = "defense:events"

// Well-known event types.
const (
	EventRequestAnalyzed = "request_analyzed"
	EventBlacklistUpdate = "blacklist_update"
	EventConfigUpdate    = "config_update"
)

// Message is the wire envelope for one cluster event.
type Message struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id"`
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Handler consumes one delivered message.
type Handler func(ctx context.Context, msg Message)

type subscriberEntry struct {
	id      int
	handler Handler
}

// Bus publishes to and consumes from the shared channel, fanning each
// received message out to the in-process subscribers registered for
// its type. Messages published by this node come back through the
// channel like everyone else's; subscribers that must not react to
// their own writes filter on NodeID.
type Bus struct {
	mu      sync.RWMutex
	hot     kv.Hot
	nodeID  string
	subs    map[string][]subscriberEntry
	nextID  int
	unsub   func()
	started bool
	closed  bool
}

func NewBus(hot kv.Hot, nodeID string) *Bus {
	return &Bus{
		hot:    hot,
		nodeID: nodeID,
		subs:   make(map[string][]subscriberEntry),
	}
}

// Start attaches the bus to the shared channel. Idempotent.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return nil
	}

	unsub, err := b.hot.Subscribe(ctx, Channel, func(data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("[Bus] Dropping malformed message", "error", err)
			return
		}
		b.deliver(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	b.unsub = unsub
	b.started = true
	slog.Info("[Bus] Attached", "channel", Channel, "node_id", b.nodeID)
	return nil
}

// Publish stamps and sends one event. It returns once the message is
// handed to the store; delivery to other nodes is asynchronous.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	msg := Message{
		Type:      eventType,
		NodeID:    b.nodeID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Payload:   raw,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", eventType, err)
	}
	return b.hot.Publish(ctx, Channel, data)
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. Handlers run on the delivery goroutine and
// must not block.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[eventType]
		for i, entry := range entries {
			if entry.id == id {
				b.subs[eventType] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg Message) {
	b.mu.RLock()
	entries := make([]subscriberEntry, len(b.subs[msg.Type]))
	copy(entries, b.subs[msg.Type])
	b.mu.RUnlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[Bus] Handler panicked", "type", msg.Type, "panic", r)
				}
			}()
			entry.handler(ctx, msg)
		}()
	}
}

// Close detaches from the channel and drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.unsub != nil {
		b.unsub()
	}
	b.subs = make(map[string][]subscriberEntry)
}
