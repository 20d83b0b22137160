package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/syncd"
)

// GlobalServer is the admin-plane surface over the global config
// store. Everything it writes propagates to the edge nodes through
// their synchronizers.
type GlobalServer struct {
	nodeID         string
	store          *syncd.Store
	node           *syncd.Synchronizer
	pluginDefaults core.DefensePluginConfig
}

// NewGlobalServer builds the admin surface. pluginDefaults fills
// defense bindings that arrive without an engine URL.
func NewGlobalServer(nodeID string, store *syncd.Store, node *syncd.Synchronizer, pluginDefaults core.DefensePluginConfig) *GlobalServer {
	return &GlobalServer{nodeID: nodeID, store: store, node: node, pluginDefaults: pluginDefaults}
}

// withPluginDefaults fills the gaps in an incoming binding: an empty
// body takes the node defaults wholesale, a body without an engine URL
// takes the default URL only.
func (s *GlobalServer) withPluginDefaults(cfg core.DefensePluginConfig) core.DefensePluginConfig {
	if cfg == (core.DefensePluginConfig{}) {
		return s.pluginDefaults
	}
	if cfg.EngineURL == "" {
		cfg.EngineURL = s.pluginDefaults.EngineURL
	}
	return cfg
}

// Handler builds the routed handler with the middleware chain.
func (s *GlobalServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/global-config/tenant", s.handleGetTenantConfig).Methods("GET")
	r.HandleFunc("/global-config/tenant", s.handleSetTenantConfig).Methods("POST", "PUT")
	r.HandleFunc("/global-config/all", s.handleAllTenantConfigs).Methods("GET")

	r.HandleFunc("/global-routes", s.handleListRoutes).Methods("GET")
	r.HandleFunc("/global-routes", s.handleCreateRoute).Methods("POST")
	r.HandleFunc("/global-routes/{route_id}", s.handleGetRoute).Methods("GET")
	r.HandleFunc("/global-routes/{route_id}", s.handleUpdateRoute).Methods("PUT")
	r.HandleFunc("/global-routes/{route_id}", s.handleDeleteRoute).Methods("DELETE")

	r.HandleFunc("/global-ssl", s.handleGetSSL).Methods("GET")
	r.HandleFunc("/global-ssl", s.handleSetSSL).Methods("POST")

	r.HandleFunc("/defense-plugin/apply", s.handleApplyPlugin).Methods("POST")
	r.HandleFunc("/defense-plugin/update-all", s.handleUpdateAllPlugins).Methods("POST")

	r.HandleFunc("/config/validate", s.handleValidateConfig).Methods("POST")
	r.HandleFunc("/events/config-changes", s.handleConfigChanges).Methods("GET")

	r.HandleFunc("/sync-status", s.handleSyncStatus).Methods("GET")
	r.HandleFunc("/sync/refresh", s.handleSyncRefresh).Methods("POST")
	r.HandleFunc("/monitor/global-sync", s.handleMonitor).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, "endpoint not found")
	})

	return CORS(Logging(r))
}

func (s *GlobalServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"node_id":   s.nodeID,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

func (s *GlobalServer) handleGetTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	policy, err := s.store.GetTenantPolicy(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "config": policy})
}

func (s *GlobalServer) handleSetTenantConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string            `json:"tenant_id"`
		Config   core.TenantPolicy `json:"config"`
	}
	if !decodeBody(r, &req) || req.TenantID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "tenant_id and config are required")
		return
	}
	if err := s.store.SetTenantPolicy(r.Context(), req.TenantID, req.Config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "global configuration updated",
		"tenant_id": req.TenantID,
	})
}

func (s *GlobalServer) handleAllTenantConfigs(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.AllTenantPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": policies, "count": len(policies)})
}

func (s *GlobalServer) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.store.ListRoutes(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes, "count": len(routes)})
}

func (s *GlobalServer) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Route core.Route `json:"route"`
	}
	if !decodeBody(r, &req) {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.store.SetRoute(r.Context(), req.Route); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "route created", "route_id": req.Route.ID})
}

func (s *GlobalServer) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.store.GetRoute(r.Context(), mux.Vars(r)["route_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": route})
}

func (s *GlobalServer) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	routeID := mux.Vars(r)["route_id"]
	var req struct {
		Route core.Route `json:"route"`
	}
	if !decodeBody(r, &req) {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	updated, err := s.store.UpdateRoute(r.Context(), routeID, func(route *core.Route) error {
		req.Route.ID = routeID
		if req.Route.CreatedAt == 0 {
			req.Route.CreatedAt = route.CreatedAt
		}
		*route = req.Route
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "route updated", "route": updated})
}

func (s *GlobalServer) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	routeID := mux.Vars(r)["route_id"]
	if err := s.store.DeleteRoute(r.Context(), routeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "route deleted", "route_id": routeID})
}

func (s *GlobalServer) handleGetSSL(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	domain := r.URL.Query().Get("domain")
	if domain != "" {
		if tenantID == "" {
			writeErrorMessage(w, http.StatusBadRequest, "tenant_id is required with domain")
			return
		}
		cert, err := s.store.GetSSLCert(r.Context(), tenantID, domain)
		if err != nil {
			writeError(w, err)
			return
		}
		cert.KeyPEM = "" // private keys never leave the store in listings
		writeJSON(w, http.StatusOK, map[string]any{"certificate": cert})
		return
	}

	certs, err := s.store.ListSSLCerts(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range certs {
		certs[i].KeyPEM = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": certs, "count": len(certs)})
}

func (s *GlobalServer) handleSetSSL(w http.ResponseWriter, r *http.Request) {
	var cert core.SSLCertificate
	if !decodeBody(r, &cert) {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.store.SetSSLCert(r.Context(), cert); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "certificate stored",
		"cert_id": core.CertID(cert.TenantID, cert.Domain),
	})
}

func (s *GlobalServer) handleApplyPlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RouteID  string                   `json:"route_id"`
		TenantID string                   `json:"tenant_id"`
		Config   core.DefensePluginConfig `json:"config"`
	}
	if !decodeBody(r, &req) || req.RouteID == "" || req.TenantID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "route_id and tenant_id are required")
		return
	}
	if err := s.store.ApplyDefenseToRoute(r.Context(), req.RouteID, req.TenantID, s.withPluginDefaults(req.Config)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "defense plugin applied",
		"route_id": req.RouteID,
	})
}

func (s *GlobalServer) handleUpdateAllPlugins(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config core.DefensePluginConfig `json:"config"`
	}
	if !decodeBody(r, &req) {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	count, err := s.store.UpdateAllDefenseConfigs(r.Context(), s.withPluginDefaults(req.Config))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "defense configuration updated",
		"updated_count": count,
	})
}

// handleValidateConfig checks policy invariants without writing.
func (s *GlobalServer) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config core.TenantPolicy `json:"config"`
	}
	if !decodeBody(r, &req) {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *GlobalServer) handleConfigChanges(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentEvents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *GlobalServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *GlobalServer) handleSyncRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "resync complete",
		"status":  s.node.Status(),
	})
}

// handleMonitor reports the authoritative tree sizes next to this
// node's mirror health, the quickest way to spot a lagging mirror.
func (s *GlobalServer) handleMonitor(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.AllTenantPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	routes, err := s.store.ListRoutes(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	certs, err := s.store.ListSSLCerts(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"global": map[string]any{
			"tenants": len(policies),
			"routes":  len(routes),
			"certs":   len(certs),
		},
		"node": s.node.Status(),
	})
}
