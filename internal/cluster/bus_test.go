package cluster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdn-defense/edge/internal/kv"
)

func newTestBus(t *testing.T, srv *miniredis.Miniredis, nodeID string) *Bus {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	hot := kv.NewRedisHotFromClient(rdb)
	t.Cleanup(func() { hot.Close() })

	bus := NewBus(hot, nodeID)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Close)
	// Give the subscriber goroutine time to attach.
	time.Sleep(50 * time.Millisecond)
	return bus
}

func waitFor(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return Message{}
	}
}

func TestBusPublishReachesSibling(t *testing.T) {
	srv := miniredis.RunT(t)
	nodeA := newTestBus(t, srv, "node-a")
	nodeB := newTestBus(t, srv, "node-b")

	received := make(chan Message, 1)
	nodeB.Subscribe(EventBlacklistUpdate, func(_ context.Context, msg Message) {
		received <- msg
	})

	err := nodeA.Publish(context.Background(), EventBlacklistUpdate, map[string]any{
		"tenant_id": "t1",
		"ip":        "10.0.0.1",
	})
	require.NoError(t, err)

	msg := waitFor(t, received)
	assert.Equal(t, EventBlacklistUpdate, msg.Type)
	assert.Equal(t, "node-a", msg.NodeID)
	assert.NotZero(t, msg.Timestamp)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "10.0.0.1", payload["ip"])
}

func TestBusOwnMessagesComeBack(t *testing.T) {
	srv := miniredis.RunT(t)
	bus := newTestBus(t, srv, "node-a")

	received := make(chan Message, 1)
	bus.Subscribe(EventConfigUpdate, func(_ context.Context, msg Message) {
		received <- msg
	})

	require.NoError(t, bus.Publish(context.Background(), EventConfigUpdate, map[string]string{"tenant_id": "t1"}))

	// The publisher hears itself; filtering on NodeID is the
	// subscriber's job.
	msg := waitFor(t, received)
	assert.Equal(t, "node-a", msg.NodeID)
}

func TestBusSubscribersFilteredByType(t *testing.T) {
	srv := miniredis.RunT(t)
	bus := newTestBus(t, srv, "node-a")

	analyzed := make(chan Message, 1)
	bus.Subscribe(EventRequestAnalyzed, func(_ context.Context, msg Message) {
		analyzed <- msg
	})

	require.NoError(t, bus.Publish(context.Background(), EventConfigUpdate, map[string]string{"tenant_id": "t1"}))
	require.NoError(t, bus.Publish(context.Background(), EventRequestAnalyzed, map[string]string{"request_id": "r1"}))

	msg := waitFor(t, analyzed)
	assert.Equal(t, EventRequestAnalyzed, msg.Type)
	select {
	case extra := <-analyzed:
		t.Fatalf("unexpected extra delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	srv := miniredis.RunT(t)
	bus := newTestBus(t, srv, "node-a")

	received := make(chan Message, 1)
	unsub := bus.Subscribe(EventConfigUpdate, func(_ context.Context, msg Message) {
		received <- msg
	})
	unsub()

	require.NoError(t, bus.Publish(context.Background(), EventConfigUpdate, map[string]string{"tenant_id": "t1"}))

	select {
	case msg := <-received:
		t.Fatalf("delivery after unsubscribe: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	srv := miniredis.RunT(t)
	bus := newTestBus(t, srv, "node-a")

	received := make(chan Message, 1)
	bus.Subscribe(EventConfigUpdate, func(context.Context, Message) {
		panic("handler bug")
	})
	bus.Subscribe(EventConfigUpdate, func(_ context.Context, msg Message) {
		received <- msg
	})

	require.NoError(t, bus.Publish(context.Background(), EventConfigUpdate, map[string]string{"tenant_id": "t1"}))

	// The second handler still runs.
	waitFor(t, received)
}

func TestBusPublishAfterClose(t *testing.T) {
	srv := miniredis.RunT(t)
	bus := newTestBus(t, srv, "node-a")

	bus.Close()
	err := bus.Publish(context.Background(), EventConfigUpdate, map[string]string{"tenant_id": "t1"})
	assert.Error(t, err)
}
