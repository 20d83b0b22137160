package syncd

import (
	"sync/atomic"

	"github.com/cdn-defense/edge/internal/core"
)

// snapshot is one immutable view of the mirrored config tree. The
// synchronizer builds a fresh snapshot for every change and swaps the
// pointer; request workers read whichever snapshot was current when
// they started and never see a half-applied update.
type snapshot struct {
	policies map[string]core.TenantPolicy
	routes   map[string]core.Route
	byTenant map[string][]string
	certs    map[string]core.SSLCertificate
}

func emptySnapshot() *snapshot {
	return &snapshot{
		policies: map[string]core.TenantPolicy{},
		routes:   map[string]core.Route{},
		byTenant: map[string][]string{},
		certs:    map[string]core.SSLCertificate{},
	}
}

// clone copies every map so the mutation never touches a published
// snapshot.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		policies: make(map[string]core.TenantPolicy, len(s.policies)),
		routes:   make(map[string]core.Route, len(s.routes)),
		byTenant: make(map[string][]string, len(s.byTenant)),
		certs:    make(map[string]core.SSLCertificate, len(s.certs)),
	}
	for k, v := range s.policies {
		next.policies[k] = v
	}
	for k, v := range s.routes {
		next.routes[k] = v
	}
	for k, v := range s.byTenant {
		ids := make([]string, len(v))
		copy(ids, v)
		next.byTenant[k] = ids
	}
	for k, v := range s.certs {
		next.certs[k] = v
	}
	return next
}

func (s *snapshot) reindexTenant(tenantID string) {
	ids := s.byTenant[tenantID][:0]
	for id, route := range s.routes {
		if route.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		delete(s.byTenant, tenantID)
		return
	}
	s.byTenant[tenantID] = ids
}

// Cache is the lock-free read side of the mirror. Only the
// synchronizer goroutine writes; every mutation clones, edits and
// atomically publishes a new snapshot.
type Cache struct {
	current atomic.Pointer[snapshot]
}

func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(emptySnapshot())
	return c
}

func (c *Cache) load() *snapshot { return c.current.Load() }

// Replace installs a complete snapshot, discarding the old one. Used
// after a full rescan.
func (c *Cache) Replace(policies map[string]core.TenantPolicy, routes map[string]core.Route, certs map[string]core.SSLCertificate) {
	next := emptySnapshot()
	for k, v := range policies {
		next.policies[k] = v
	}
	for k, v := range routes {
		next.routes[k] = v
		next.byTenant[v.TenantID] = append(next.byTenant[v.TenantID], k)
	}
	for k, v := range certs {
		next.certs[k] = v
	}
	c.current.Store(next)
}

// EffectivePolicy returns defaults overlaid with the cached tenant
// policy. Always safe to call; unknown tenants get defaults.
func (c *Cache) EffectivePolicy(tenantID string) core.TenantPolicy {
	if policy, ok := c.load().policies[tenantID]; ok {
		return policy
	}
	return core.DefaultPolicy()
}

// Policy returns the cached tenant policy, if any.
func (c *Cache) Policy(tenantID string) (core.TenantPolicy, bool) {
	policy, ok := c.load().policies[tenantID]
	return policy, ok
}

// SetPolicy installs one tenant policy.
func (c *Cache) SetPolicy(tenantID string, policy core.TenantPolicy) {
	next := c.load().clone()
	next.policies[tenantID] = policy
	c.current.Store(next)
}

// DeletePolicy drops one tenant policy; the tenant reverts to
// defaults.
func (c *Cache) DeletePolicy(tenantID string) {
	next := c.load().clone()
	delete(next.policies, tenantID)
	c.current.Store(next)
}

// Route returns the cached route, if any.
func (c *Cache) Route(routeID string) (core.Route, bool) {
	route, ok := c.load().routes[routeID]
	return route, ok
}

// Routes lists cached routes, optionally filtered by tenant.
func (c *Cache) Routes(tenantID string) []core.Route {
	snap := c.load()
	if tenantID == "" {
		routes := make([]core.Route, 0, len(snap.routes))
		for _, route := range snap.routes {
			routes = append(routes, route)
		}
		return routes
	}
	ids := snap.byTenant[tenantID]
	routes := make([]core.Route, 0, len(ids))
	for _, id := range ids {
		if route, ok := snap.routes[id]; ok {
			routes = append(routes, route)
		}
	}
	return routes
}

// SetRoute installs one route and refreshes the tenant index.
func (c *Cache) SetRoute(route core.Route) {
	next := c.load().clone()
	prev, had := next.routes[route.ID]
	next.routes[route.ID] = route
	next.reindexTenant(route.TenantID)
	if had && prev.TenantID != route.TenantID {
		next.reindexTenant(prev.TenantID)
	}
	c.current.Store(next)
}

// DeleteRoute drops one route.
func (c *Cache) DeleteRoute(routeID string) {
	next := c.load().clone()
	prev, had := next.routes[routeID]
	delete(next.routes, routeID)
	if had {
		next.reindexTenant(prev.TenantID)
	}
	c.current.Store(next)
}

// Cert returns the cached certificate for tenant:domain, if any.
func (c *Cache) Cert(tenantID, domain string) (core.SSLCertificate, bool) {
	cert, ok := c.load().certs[core.CertID(tenantID, domain)]
	return cert, ok
}

// Certs lists cached certificates, optionally filtered by tenant.
func (c *Cache) Certs(tenantID string) []core.SSLCertificate {
	snap := c.load()
	certs := make([]core.SSLCertificate, 0, len(snap.certs))
	for _, cert := range snap.certs {
		if tenantID != "" && cert.TenantID != tenantID {
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// SetCert installs one certificate.
func (c *Cache) SetCert(cert core.SSLCertificate) {
	next := c.load().clone()
	next.certs[cert.CertID] = cert
	c.current.Store(next)
}

// DeleteCert drops one certificate by id.
func (c *Cache) DeleteCert(certID string) {
	next := c.load().clone()
	delete(next.certs, certID)
	c.current.Store(next)
}

// Sizes reports entry counts for the status endpoint.
func (c *Cache) Sizes() (policies, routes, certs int) {
	snap := c.load()
	return len(snap.policies), len(snap.routes), len(snap.certs)
}
