package kv

import (
	"context"
	"strings"
	"sync"
)

// MemoryCold is an in-memory Cold implementation with working prefix
// watches, including replay of events newer than a watcher's fromRev.
// Tests use it in place of etcd; two synchronizers sharing one
// MemoryCold behave like two nodes on one cluster.
type MemoryCold struct {
	mu       sync.RWMutex
	data     map[string][]byte
	revision int64
	watchers []*memWatcher
	log      []WatchEvent
}

type memWatcher struct {
	prefix string
	ch     chan WatchEvent
	done   <-chan struct{}
}

func NewMemoryCold() *MemoryCold {
	return &MemoryCold{data: make(map[string][]byte)}
}

func (m *MemoryCold) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.revision++
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	ev := WatchEvent{Type: EventPut, Key: key, Value: cp, Revision: m.revision}
	m.log = append(m.log, ev)
	watchers := m.matching(key)
	m.mu.Unlock()

	m.notify(watchers, ev)
	return nil
}

func (m *MemoryCold) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, true, nil
}

func (m *MemoryCold) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.data[key]; !ok {
		m.mu.Unlock()
		return nil
	}
	m.revision++
	delete(m.data, key)
	ev := WatchEvent{Type: EventDelete, Key: key, Revision: m.revision}
	m.log = append(m.log, ev)
	watchers := m.matching(key)
	m.mu.Unlock()

	m.notify(watchers, ev)
	return nil
}

func (m *MemoryCold) GetPrefix(ctx context.Context, prefix string) ([]KVPair, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pairs := make([]KVPair, 0)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			pairs = append(pairs, KVPair{Key: k, Value: cp})
		}
	}
	return pairs, m.revision, nil
}

func (m *MemoryCold) Watch(ctx context.Context, prefix string, fromRev int64) (<-chan WatchEvent, error) {
	m.mu.Lock()
	// Changes landing between fromRev and registration are replayed
	// so the stream matches what a watch opened at fromRev+1 would
	// have seen.
	var pending []WatchEvent
	for _, ev := range m.log {
		if ev.Revision > fromRev && strings.HasPrefix(ev.Key, prefix) {
			pending = append(pending, ev)
		}
	}
	w := &memWatcher{
		prefix: prefix,
		ch:     make(chan WatchEvent, len(pending)+64),
		done:   ctx.Done(),
	}
	for _, ev := range pending {
		w.ch <- ev
	}
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, cur := range m.watchers {
			if cur == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(w.ch)
	}()

	return w.ch, nil
}

func (m *MemoryCold) Close() error { return nil }

// matching is called with mu held.
func (m *MemoryCold) matching(key string) []*memWatcher {
	var out []*memWatcher
	for _, w := range m.watchers {
		if strings.HasPrefix(key, w.prefix) {
			out = append(out, w)
		}
	}
	return out
}

func (m *MemoryCold) notify(watchers []*memWatcher, ev WatchEvent) {
	for _, w := range watchers {
		select {
		case w.ch <- ev:
		case <-w.done:
		}
	}
}
