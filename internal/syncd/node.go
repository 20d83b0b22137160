package syncd

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/kv"
)

const (
	watchBackoffMin = time.Second
	watchBackoffMax = 30 * time.Second
	degradedAfter   = 30 * time.Second
	certSweepEvery  = time.Hour
)

// SyncStatus is the node's own view of its mirror health.
type SyncStatus struct {
	NodeID       string  `json:"node_id"`
	LastSync     float64 `json:"last_sync"`
	WatchHealthy bool    `json:"watch_healthy"`
	Degraded     bool    `json:"degraded"`
	Policies     int     `json:"cached_policies"`
	Routes       int     `json:"cached_routes"`
	Certs        int     `json:"cached_certs"`
	Revision     int64   `json:"revision"`
}

// Synchronizer mirrors the Cold KV config tree into the node-local
// cache: one full prefix scan at startup, then a prefix watch from
// the scan revision. A broken watch triggers exponential backoff
// rescans; a watch broken longer than 30 seconds marks the node
// degraded while it keeps serving from cache.
type Synchronizer struct {
	nodeID string
	cold   kv.Cold
	cache  *Cache
	admin  *Store

	mu           sync.Mutex
	revision     int64
	lastSync     time.Time
	watchHealthy bool
	brokenSince  time.Time
}

func NewSynchronizer(nodeID string, cold kv.Cold, cache *Cache) *Synchronizer {
	return &Synchronizer{
		nodeID: nodeID,
		cold:   cold,
		cache:  cache,
		admin:  NewStore(cold),
	}
}

// Start installs the initial mirror and runs the watch loop until ctx
// is canceled. It returns only when the first full scan fails.
func (n *Synchronizer) Start(ctx context.Context) error {
	if err := n.Refresh(ctx); err != nil {
		return err
	}
	go n.watchLoop(ctx)
	go n.certSweepLoop(ctx)
	slog.Info("[Sync] Node synchronizer started", "node_id", n.nodeID)
	return nil
}

// Refresh rebuilds the whole cache from a fresh prefix scan. Also the
// manual resync path behind POST /sync/refresh.
func (n *Synchronizer) Refresh(ctx context.Context) error {
	pairs, rev, err := n.cold.GetPrefix(ctx, TreePrefix)
	if err != nil {
		return err
	}

	policies := map[string]core.TenantPolicy{}
	routes := map[string]core.Route{}
	certs := map[string]core.SSLCertificate{}
	for _, pair := range pairs {
		n.install(pair.Key, pair.Value, policies, routes, certs)
	}
	n.cache.Replace(policies, routes, certs)

	n.mu.Lock()
	n.revision = rev
	n.lastSync = time.Now()
	n.mu.Unlock()

	slog.Info("[Sync] Mirror refreshed",
		"node_id", n.nodeID, "revision", rev,
		"policies", len(policies), "routes", len(routes), "certs", len(certs))
	return nil
}

func (n *Synchronizer) install(key string, value []byte, policies map[string]core.TenantPolicy, routes map[string]core.Route, certs map[string]core.SSLCertificate) {
	switch {
	case strings.HasPrefix(key, eventsPrefix):
		// change markers are not config
	case strings.HasPrefix(key, configPrefix):
		var policy core.TenantPolicy
		if ok := decodePayload(key, value, &policy); ok {
			policies[strings.TrimPrefix(key, configPrefix)] = policy
		}
	case strings.HasPrefix(key, routesPrefix):
		var route core.Route
		if ok := decodePayload(key, value, &route); ok {
			routes[route.ID] = route
		}
	case strings.HasPrefix(key, sslPrefix):
		var cert core.SSLCertificate
		if ok := decodePayload(key, value, &cert); ok {
			certs[cert.CertID] = cert
		}
	}
}

func decodePayload(key string, value []byte, out any) bool {
	var env core.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		slog.Warn("[Sync] Skipping malformed envelope", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		slog.Warn("[Sync] Skipping malformed payload", "key", key, "error", err)
		return false
	}
	return true
}

func (n *Synchronizer) watchLoop(ctx context.Context) {
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		n.mu.Lock()
		fromRev := n.revision
		n.mu.Unlock()

		events, err := n.cold.Watch(ctx, TreePrefix, fromRev)
		if err != nil {
			n.markBroken(err)
		} else {
			n.markHealthy()
			backoff = watchBackoffMin
			n.consume(ctx, events)
			if ctx.Err() != nil {
				return
			}
			n.markBroken(nil)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}

		// The rescan closes any gap the broken watch left.
		if err := n.Refresh(ctx); err != nil {
			slog.Warn("[Sync] Rescan failed", "node_id", n.nodeID, "error", err)
		}
	}
}

// consume applies watch events until the channel closes.
func (n *Synchronizer) consume(ctx context.Context, events <-chan kv.WatchEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.apply(ev)
		}
	}
}

func (n *Synchronizer) apply(ev kv.WatchEvent) {
	n.mu.Lock()
	if ev.Revision > n.revision {
		n.revision = ev.Revision
	}
	n.lastSync = time.Now()
	n.mu.Unlock()

	if strings.HasPrefix(ev.Key, eventsPrefix) {
		return
	}

	switch ev.Type {
	case kv.EventPut:
		n.applyPut(ev.Key, ev.Value)
	case kv.EventDelete:
		n.applyDelete(ev.Key)
	}
}

func (n *Synchronizer) applyPut(key string, value []byte) {
	switch {
	case strings.HasPrefix(key, configPrefix):
		var policy core.TenantPolicy
		if decodePayload(key, value, &policy) {
			tenantID := strings.TrimPrefix(key, configPrefix)
			n.cache.SetPolicy(tenantID, policy)
			slog.Info("[Sync] Policy applied", "node_id", n.nodeID, "tenant", tenantID, "version", policy.Version)
		}
	case strings.HasPrefix(key, routesPrefix):
		var route core.Route
		if decodePayload(key, value, &route) {
			if route.ID == "" {
				route.ID = strings.TrimPrefix(key, routesPrefix)
			}
			n.cache.SetRoute(route)
		}
	case strings.HasPrefix(key, sslPrefix):
		var cert core.SSLCertificate
		if decodePayload(key, value, &cert) {
			if cert.CertID == "" {
				cert.CertID = strings.TrimPrefix(key, sslPrefix)
			}
			n.cache.SetCert(cert)
		}
	}
}

func (n *Synchronizer) applyDelete(key string) {
	switch {
	case strings.HasPrefix(key, configPrefix):
		n.cache.DeletePolicy(strings.TrimPrefix(key, configPrefix))
	case strings.HasPrefix(key, routesPrefix):
		n.cache.DeleteRoute(strings.TrimPrefix(key, routesPrefix))
	case strings.HasPrefix(key, sslPrefix):
		n.cache.DeleteCert(strings.TrimPrefix(key, sslPrefix))
	}
}

func (n *Synchronizer) markBroken(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watchHealthy || n.brokenSince.IsZero() {
		n.brokenSince = time.Now()
	}
	n.watchHealthy = false
	if err != nil {
		slog.Warn("[Sync] Watch broken", "node_id", n.nodeID, "error", err)
	}
}

func (n *Synchronizer) markHealthy() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.watchHealthy = true
	n.brokenSince = time.Time{}
}

// certSweepLoop drops expired certificates from the cache and deletes
// them from the authoritative tree.
func (n *Synchronizer) certSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(certSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweepExpiredCerts(ctx)
		}
	}
}

func (n *Synchronizer) sweepExpiredCerts(ctx context.Context) {
	now := float64(time.Now().Unix())
	for _, cert := range n.cache.Certs("") {
		if cert.ExpiresAt == 0 || cert.ExpiresAt > now {
			continue
		}
		n.cache.DeleteCert(cert.CertID)
		if err := n.admin.DeleteSSLCert(ctx, cert.TenantID, cert.Domain); err != nil {
			slog.Warn("[Sync] Expired cert delete failed", "cert_id", cert.CertID, "error", err)
			continue
		}
		slog.Info("[Sync] Expired certificate removed", "cert_id", cert.CertID)
	}
}

// EffectivePolicy satisfies the engine's policy provider: cached
// policy overlaid on defaults, resolved once per request.
func (n *Synchronizer) EffectivePolicy(tenantID string) core.TenantPolicy {
	return n.cache.EffectivePolicy(tenantID)
}

// LookupPolicy returns the cached tenant policy.
func (n *Synchronizer) LookupPolicy(tenantID string) (core.TenantPolicy, bool) {
	return n.cache.Policy(tenantID)
}

// LookupRoute returns the cached route.
func (n *Synchronizer) LookupRoute(routeID string) (core.Route, bool) {
	return n.cache.Route(routeID)
}

// ListRoutes lists cached routes, optionally by tenant.
func (n *Synchronizer) ListRoutes(tenantID string) []core.Route {
	return n.cache.Routes(tenantID)
}

// LookupCert returns the cached certificate for tenant:domain.
func (n *Synchronizer) LookupCert(tenantID, domain string) (core.SSLCertificate, bool) {
	return n.cache.Cert(tenantID, domain)
}

// Status reports the node's mirror health. Degraded means the watch
// has been broken longer than the recovery budget; the cache still
// serves.
func (n *Synchronizer) Status() SyncStatus {
	n.mu.Lock()
	revision := n.revision
	lastSync := n.lastSync
	healthy := n.watchHealthy
	broken := n.brokenSince
	n.mu.Unlock()

	policies, routes, certs := n.cache.Sizes()
	status := SyncStatus{
		NodeID:       n.nodeID,
		WatchHealthy: healthy,
		Policies:     policies,
		Routes:       routes,
		Certs:        certs,
		Revision:     revision,
	}
	if !lastSync.IsZero() {
		status.LastSync = float64(lastSync.UnixNano()) / float64(time.Second)
	}
	if !healthy && !broken.IsZero() && time.Since(broken) > degradedAfter {
		status.Degraded = true
	}
	return status
}
