// Package syncd implements the global configuration plane: the
// authoritative store over the Cold KV tree, the node-local
// copy-on-write cache and the synchronizer that mirrors the tree into
// every edge node.
package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/kv"
)

const (
	TreePrefix   = "/cdn-defense/"
	configPrefix = TreePrefix + "config/"
	routesPrefix = TreePrefix + "routes/"
	sslPrefix    = TreePrefix + "ssl/"
	eventsPrefix = TreePrefix + "events/"
)

var (
	ErrPolicyNotFound = errors.New("policy not found")
	ErrRouteNotFound  = errors.New("route not found")
	ErrCertNotFound   = errors.New("certificate not found")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Store is the authoritative write path into the Cold KV config tree.
// Every write validates first, then puts a versioned envelope and a
// sibling change marker under /events/. Writes are per-key atomic;
// cross-key consistency is not offered and the readers tolerate that.
type Store struct {
	cold kv.Cold
}

func NewStore(cold kv.Cold) *Store {
	return &Store{cold: cold}
}

func (s *Store) put(ctx context.Context, key string, payload any) error {
	env, err := core.WrapEnvelope(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.cold.Put(ctx, key, data)
}

// marker drops a short-lived change event next to the data tree. Sync
// consumers skip these; dashboards read them.
func (s *Store) marker(ctx context.Context, kind, eventType string, payload any) {
	data, err := json.Marshal(map[string]any{
		"type":      eventType,
		"payload":   payload,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return
	}
	key := eventsPrefix + kind + "/" + eventType
	if err := s.cold.Put(ctx, key, data); err != nil {
		slog.Warn("[Store] Change marker write failed", "key", key, "error", err)
	}
}

func unwrap(raw []byte, out any) (core.Envelope, error) {
	var env core.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: bad envelope: %v", ErrInvalidPayload, err)
	}
	if out != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return env, fmt.Errorf("%w: bad payload: %v", ErrInvalidPayload, err)
		}
	}
	return env, nil
}

// RecentEvents returns the latest change marker per (kind, type).
// Markers overwrite each other in place, so this is a snapshot of the
// most recent activity, not a history.
func (s *Store) RecentEvents(ctx context.Context) ([]map[string]any, error) {
	pairs, _, err := s.cold.GetPrefix(ctx, eventsPrefix)
	if err != nil {
		return nil, err
	}
	events := make([]map[string]any, 0, len(pairs))
	for _, pair := range pairs {
		var event map[string]any
		if err := json.Unmarshal(pair.Value, &event); err != nil {
			continue
		}
		event["key"] = pair.Key
		events = append(events, event)
	}
	return events, nil
}

// SetTenantPolicy validates and stores a tenant policy. The stored
// version is the envelope's write timestamp, not the caller's.
func (s *Store) SetTenantPolicy(ctx context.Context, tenantID string, policy core.TenantPolicy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty tenant id", ErrInvalidPayload)
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	policy.Version = time.Now().UnixMilli()
	if err := s.put(ctx, configPrefix+tenantID, policy); err != nil {
		return err
	}
	s.marker(ctx, "config", "config_update", map[string]any{"tenant_id": tenantID})
	slog.Info("[Store] Tenant policy updated", "tenant", tenantID, "version", policy.Version)
	return nil
}

// GetTenantPolicy reads the stored policy for a tenant.
func (s *Store) GetTenantPolicy(ctx context.Context, tenantID string) (core.TenantPolicy, error) {
	var policy core.TenantPolicy
	raw, found, err := s.cold.Get(ctx, configPrefix+tenantID)
	if err != nil {
		return policy, err
	}
	if !found {
		return policy, ErrPolicyNotFound
	}
	_, err = unwrap(raw, &policy)
	return policy, err
}

// AllTenantPolicies scans the config subtree.
func (s *Store) AllTenantPolicies(ctx context.Context) (map[string]core.TenantPolicy, error) {
	pairs, _, err := s.cold.GetPrefix(ctx, configPrefix)
	if err != nil {
		return nil, err
	}
	policies := make(map[string]core.TenantPolicy, len(pairs))
	for _, pair := range pairs {
		var policy core.TenantPolicy
		if _, err := unwrap(pair.Value, &policy); err != nil {
			slog.Warn("[Store] Skipping malformed policy", "key", pair.Key, "error", err)
			continue
		}
		policies[strings.TrimPrefix(pair.Key, configPrefix)] = policy
	}
	return policies, nil
}

// DeleteTenantPolicy removes a tenant's stored policy; the tenant
// falls back to defaults everywhere.
func (s *Store) DeleteTenantPolicy(ctx context.Context, tenantID string) error {
	if err := s.cold.Delete(ctx, configPrefix+tenantID); err != nil {
		return err
	}
	s.marker(ctx, "config", "config_delete", map[string]any{"tenant_id": tenantID})
	return nil
}

// SetRoute validates and stores a route definition.
func (s *Store) SetRoute(ctx context.Context, route core.Route) error {
	if route.ID == "" || route.TenantID == "" {
		return fmt.Errorf("%w: route id and tenant id are required", ErrInvalidPayload)
	}
	if route.CreatedAt == 0 {
		route.CreatedAt = float64(time.Now().Unix())
	}
	route.Version = time.Now().UnixMilli()
	if err := s.put(ctx, routesPrefix+route.ID, route); err != nil {
		return err
	}
	s.marker(ctx, "route", "route_update", map[string]any{"route_id": route.ID})
	slog.Info("[Store] Route updated", "route_id", route.ID, "tenant", route.TenantID)
	return nil
}

// GetRoute reads one route.
func (s *Store) GetRoute(ctx context.Context, routeID string) (core.Route, error) {
	var route core.Route
	raw, found, err := s.cold.Get(ctx, routesPrefix+routeID)
	if err != nil {
		return route, err
	}
	if !found {
		return route, ErrRouteNotFound
	}
	_, err = unwrap(raw, &route)
	return route, err
}

// ListRoutes scans the route subtree, optionally filtered by tenant.
func (s *Store) ListRoutes(ctx context.Context, tenantID string) ([]core.Route, error) {
	pairs, _, err := s.cold.GetPrefix(ctx, routesPrefix)
	if err != nil {
		return nil, err
	}
	routes := make([]core.Route, 0, len(pairs))
	for _, pair := range pairs {
		var route core.Route
		if _, err := unwrap(pair.Value, &route); err != nil {
			slog.Warn("[Store] Skipping malformed route", "key", pair.Key, "error", err)
			continue
		}
		if tenantID != "" && route.TenantID != tenantID {
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// UpdateRoute applies fn to the stored route and writes the result.
// Read-modify-write without CAS; the envelope version makes the last
// writer win.
func (s *Store) UpdateRoute(ctx context.Context, routeID string, fn func(*core.Route) error) (core.Route, error) {
	route, err := s.GetRoute(ctx, routeID)
	if err != nil {
		return route, err
	}
	if err := fn(&route); err != nil {
		return route, err
	}
	route.ID = routeID
	return route, s.SetRoute(ctx, route)
}

// DeleteRoute removes a route.
func (s *Store) DeleteRoute(ctx context.Context, routeID string) error {
	if err := s.cold.Delete(ctx, routesPrefix+routeID); err != nil {
		return err
	}
	s.marker(ctx, "route", "route_delete", map[string]any{"route_id": routeID})
	return nil
}

// SetSSLCert stores a certificate under tenant:domain. Rotation is
// delete-then-put of a fresh id, never an in-place edit.
func (s *Store) SetSSLCert(ctx context.Context, cert core.SSLCertificate) error {
	if cert.TenantID == "" || cert.Domain == "" {
		return fmt.Errorf("%w: tenant id and domain are required", ErrInvalidPayload)
	}
	if cert.CertPEM == "" || cert.KeyPEM == "" {
		return fmt.Errorf("%w: certificate and key are required", ErrInvalidPayload)
	}
	cert.CertID = core.CertID(cert.TenantID, cert.Domain)
	if cert.CreatedAt == 0 {
		cert.CreatedAt = float64(time.Now().Unix())
	}
	if err := s.put(ctx, sslPrefix+cert.CertID, cert); err != nil {
		return err
	}
	s.marker(ctx, "ssl", "ssl_update", map[string]any{"cert_id": cert.CertID})
	slog.Info("[Store] Certificate stored", "cert_id", cert.CertID)
	return nil
}

// GetSSLCert reads one certificate.
func (s *Store) GetSSLCert(ctx context.Context, tenantID, domain string) (core.SSLCertificate, error) {
	var cert core.SSLCertificate
	raw, found, err := s.cold.Get(ctx, sslPrefix+core.CertID(tenantID, domain))
	if err != nil {
		return cert, err
	}
	if !found {
		return cert, ErrCertNotFound
	}
	_, err = unwrap(raw, &cert)
	return cert, err
}

// ListSSLCerts scans the certificate subtree, optionally by tenant.
func (s *Store) ListSSLCerts(ctx context.Context, tenantID string) ([]core.SSLCertificate, error) {
	pairs, _, err := s.cold.GetPrefix(ctx, sslPrefix)
	if err != nil {
		return nil, err
	}
	certs := make([]core.SSLCertificate, 0, len(pairs))
	for _, pair := range pairs {
		var cert core.SSLCertificate
		if _, err := unwrap(pair.Value, &cert); err != nil {
			slog.Warn("[Store] Skipping malformed certificate", "key", pair.Key, "error", err)
			continue
		}
		if tenantID != "" && cert.TenantID != tenantID {
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// DeleteSSLCert removes a certificate.
func (s *Store) DeleteSSLCert(ctx context.Context, tenantID, domain string) error {
	if err := s.cold.Delete(ctx, sslPrefix+core.CertID(tenantID, domain)); err != nil {
		return err
	}
	s.marker(ctx, "ssl", "ssl_delete", map[string]any{"cert_id": core.CertID(tenantID, domain)})
	return nil
}

// EnableDefensePlugin binds the defense engine to an existing route.
func (s *Store) EnableDefensePlugin(ctx context.Context, routeID string, cfg core.DefensePluginConfig) error {
	_, err := s.UpdateRoute(ctx, routeID, func(route *core.Route) error {
		if route.Plugins == nil {
			route.Plugins = make(map[string]core.DefensePluginConfig)
		}
		route.Plugins[core.DefensePluginName] = cfg
		return nil
	})
	return err
}

// DisableDefensePlugin removes the defense binding from a route.
func (s *Store) DisableDefensePlugin(ctx context.Context, routeID string) error {
	_, err := s.UpdateRoute(ctx, routeID, func(route *core.Route) error {
		delete(route.Plugins, core.DefensePluginName)
		return nil
	})
	return err
}

// ApplyDefenseToRoute binds the plugin, creating a bare route first
// when none exists.
func (s *Store) ApplyDefenseToRoute(ctx context.Context, routeID, tenantID string, cfg core.DefensePluginConfig) error {
	cfg.TenantID = tenantID
	_, err := s.GetRoute(ctx, routeID)
	if errors.Is(err, ErrRouteNotFound) {
		route := core.Route{
			ID:       routeID,
			TenantID: tenantID,
			Enabled:  true,
			Plugins:  map[string]core.DefensePluginConfig{core.DefensePluginName: cfg},
		}
		return s.SetRoute(ctx, route)
	}
	if err != nil {
		return err
	}
	return s.EnableDefensePlugin(ctx, routeID, cfg)
}

// UpdateAllDefenseConfigs rebinds the plugin on every stored route and
// returns how many routes were updated.
func (s *Store) UpdateAllDefenseConfigs(ctx context.Context, cfg core.DefensePluginConfig) (int, error) {
	routes, err := s.ListRoutes(ctx, "")
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, route := range routes {
		if err := s.ApplyDefenseToRoute(ctx, route.ID, route.TenantID, cfg); err != nil {
			slog.Warn("[Store] Plugin rebind failed", "route_id", route.ID, "error", err)
			continue
		}
		updated++
	}
	slog.Info("[Store] Defense plugin rebound", "routes", updated)
	return updated, nil
}
