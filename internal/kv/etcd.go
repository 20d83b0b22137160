package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdCold wraps etcd clientv3 behind the Cold interface.
type EtcdCold struct {
	cli *clientv3.Client
}

// NewEtcdCold connects to etcd and verifies the endpoint with a
// status call before returning.
func NewEtcdCold(endpoints []string) (*EtcdCold, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect %v: %w", endpoints, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("etcd status %s: %w", endpoints[0], err)
	}

	slog.Info("etcd connected", "endpoints", endpoints)
	return &EtcdCold{cli: cli}, nil
}

func (c *EtcdCold) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	_, err := c.cli.Put(ctx, key, string(value))
	return Classify("etcd PUT "+key, err)
}

func (c *EtcdCold) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, false, Classify("etcd GET "+key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (c *EtcdCold) Delete(ctx context.Context, key string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	_, err := c.cli.Delete(ctx, key)
	return Classify("etcd DELETE "+key, err)
}

func (c *EtcdCold) GetPrefix(ctx context.Context, prefix string) ([]KVPair, int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, Classify("etcd GET prefix "+prefix, err)
	}
	pairs := make([]KVPair, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		pairs = append(pairs, KVPair{Key: string(kv.Key), Value: kv.Value})
	}
	return pairs, resp.Header.Revision, nil
}

// Watch streams prefix changes starting after fromRev. The returned
// channel closes when the underlying etcd watch channel closes, which
// signals the synchronizer to rescan and re-watch.
func (c *EtcdCold) Watch(ctx context.Context, prefix string, fromRev int64) (<-chan WatchEvent, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRev > 0 {
		opts = append(opts, clientv3.WithRev(fromRev+1))
	}
	wch := c.cli.Watch(ctx, prefix, opts...)

	out := make(chan WatchEvent, 64)
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				slog.Warn("[EtcdCold] Watch error", "prefix", prefix, "error", err)
				return
			}
			for _, ev := range resp.Events {
				we := WatchEvent{
					Key:      string(ev.Kv.Key),
					Value:    ev.Kv.Value,
					Revision: ev.Kv.ModRevision,
				}
				if ev.Type == clientv3.EventTypeDelete {
					we.Type = EventDelete
				}
				select {
				case out <- we:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *EtcdCold) Close() error {
	return c.cli.Close()
}
