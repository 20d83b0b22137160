package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdn-defense/edge/internal/cluster"
	"github.com/cdn-defense/edge/internal/defense"
	"github.com/cdn-defense/edge/internal/kv"
	"github.com/cdn-defense/edge/internal/syncd"
)

// DecisionServer is the edge-node surface: request analysis, list
// management, challenges, audit queries and the event stream.
type DecisionServer struct {
	nodeID     string
	hot        kv.Hot
	engine     *defense.Engine
	challenges *defense.ChallengeManager
	node       *syncd.Synchronizer
	store      *syncd.Store
	bus        *cluster.Bus
	metrics    *defense.Metrics

	upgrader websocket.Upgrader
}

func NewDecisionServer(nodeID string, hot kv.Hot, engine *defense.Engine, challenges *defense.ChallengeManager, node *syncd.Synchronizer, store *syncd.Store, bus *cluster.Bus, metrics *defense.Metrics) *DecisionServer {
	return &DecisionServer{
		nodeID:     nodeID,
		hot:        hot,
		engine:     engine,
		challenges: challenges,
		node:       node,
		store:      store,
		bus:        bus,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the routed handler with the middleware chain.
func (s *DecisionServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	tenant := r.NewRoute().Subrouter()
	tenant.Use(RequireTenant)
	tenant.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	tenant.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	tenant.HandleFunc("/config", s.handleSetConfig).Methods("POST")
	tenant.HandleFunc("/blacklist", s.handleListBlacklist).Methods("GET")
	tenant.HandleFunc("/blacklist", s.handleAddBlacklist).Methods("POST")
	tenant.HandleFunc("/blacklist", s.handleRemoveBlacklist).Methods("DELETE")
	tenant.HandleFunc("/whitelist", s.handleListWhitelist).Methods("GET")
	tenant.HandleFunc("/whitelist", s.handleAddWhitelist).Methods("POST")
	tenant.HandleFunc("/whitelist", s.handleRemoveWhitelist).Methods("DELETE")
	tenant.HandleFunc("/statistics", s.handleStatistics).Methods("GET")
	tenant.HandleFunc("/logs", s.handleLogs).Methods("GET")
	tenant.HandleFunc("/challenge", s.handleCreateChallenge).Methods("POST")
	tenant.HandleFunc("/challenge/verify", s.handleVerifyChallenge).Methods("POST")
	tenant.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, "endpoint not found")
	})

	return CORS(Logging(r))
}

func (s *DecisionServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.hot.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"node_id":   s.nodeID,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

func (s *DecisionServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Request defense.RequestProfile `json:"request"`
	}
	if !decodeBody(r, &body) {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	profile := body.Request
	profile.TenantID = TenantID(r.Context())
	if profile.RequestID == "" {
		profile.RequestID = uuid.New().String()
	}
	if profile.Timestamp == 0 {
		profile.Timestamp = float64(time.Now().Unix())
	}
	if profile.ClientIP == "" {
		profile.ClientIP = r.RemoteAddr
	}
	if profile.Path == "" {
		profile.Path = "/"
	}
	if profile.Method == "" {
		profile.Method = "GET"
	}
	if profile.UserID == "" {
		profile.UserID = defense.AnonymousUser
	}

	decision := s.engine.Analyze(r.Context(), &profile)
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":           profile.RequestID,
		"allow":                decision.Allow,
		"action":               decision.Action,
		"threat_level":         decision.ThreatLevel,
		"threat_score":         decision.ThreatScore,
		"reason":               decision.Reason,
		"require_js_challenge": decision.RequireJSChallenge,
		"block_duration":       decision.BlockDuration,
	})
}

func (s *DecisionServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"config":    s.node.EffectivePolicy(tenantID),
	})
}

// handleSetConfig merges the submitted fields over the tenant's
// effective policy and writes the result to the global store; the
// synchronizer then brings it back to every node, this one included.
func (s *DecisionServer) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	policy := s.node.EffectivePolicy(tenantID)

	var raw struct {
		Config json.RawMessage `json:"config"`
	}
	if !decodeBody(r, &raw) || len(raw.Config) == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	// Partial update: absent fields keep their effective value.
	if err := json.Unmarshal(raw.Config, &policy); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed config")
		return
	}

	if err := s.store.SetTenantPolicy(r.Context(), tenantID, policy); err != nil {
		writeError(w, err)
		return
	}
	if err := s.bus.Publish(r.Context(), cluster.EventConfigUpdate, map[string]any{"tenant_id": tenantID}); err != nil {
		slog.Warn("[API] Config event publish failed", "tenant", tenantID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "configuration updated"})
}

func (s *DecisionServer) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.ListBlacklist(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blacklist": entries})
}

type listRequest struct {
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration"`
}

func (s *DecisionServer) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !decodeBody(r, &req) || req.IP == "" {
		writeErrorMessage(w, http.StatusBadRequest, "ip is required")
		return
	}
	tenantID := TenantID(r.Context())
	err := s.engine.AddToBlacklist(r.Context(), tenantID, req.IP, req.Reason, time.Duration(req.Duration)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ip " + req.IP + " blacklisted"})
}

func (s *DecisionServer) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !decodeBody(r, &req) || req.IP == "" {
		writeErrorMessage(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.engine.RemoveFromBlacklist(r.Context(), TenantID(r.Context()), req.IP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ip " + req.IP + " removed from blacklist"})
}

func (s *DecisionServer) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.ListWhitelist(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"whitelist": entries})
}

func (s *DecisionServer) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !decodeBody(r, &req) || req.IP == "" {
		writeErrorMessage(w, http.StatusBadRequest, "ip is required")
		return
	}
	tenantID := TenantID(r.Context())
	err := s.engine.AddToWhitelist(r.Context(), tenantID, req.IP, req.Reason, time.Duration(req.Duration)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ip " + req.IP + " whitelisted"})
}

func (s *DecisionServer) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !decodeBody(r, &req) || req.IP == "" {
		writeErrorMessage(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.engine.RemoveFromWhitelist(r.Context(), TenantID(r.Context()), req.IP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ip " + req.IP + " removed from whitelist"})
}

func (s *DecisionServer) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Statistics(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *DecisionServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logs, err := s.engine.Logs(r.Context(), TenantID(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *DecisionServer) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	var req struct {
		ClientIP string `json:"client_ip"`
		UserID   string `json:"user_id"`
	}
	if !decodeBody(r, &req) || req.ClientIP == "" {
		writeErrorMessage(w, http.StatusBadRequest, "client_ip is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defense.AnonymousUser
	}

	policy := s.node.EffectivePolicy(tenantID)
	challenge, err := s.challenges.Create(r.Context(), req.ClientIP, req.UserID, tenantID, policy.ChallengeKind)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ChallengesIssued.WithLabelValues(tenantID, string(challenge.Kind)).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge})
}

func (s *DecisionServer) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	var req struct {
		ChallengeID string                      `json:"challenge_id"`
		Fingerprint *defense.BrowserFingerprint `json:"fingerprint"`
	}
	if !decodeBody(r, &req) || req.ChallengeID == "" || req.Fingerprint == nil {
		writeErrorMessage(w, http.StatusBadRequest, "challenge_id and fingerprint are required")
		return
	}

	policy := s.node.EffectivePolicy(tenantID)
	passed, detail, err := s.challenges.Verify(r.Context(), req.ChallengeID, req.Fingerprint, policy.TrustOnPass)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, defense.ErrChallengeExpired) {
			outcome = "expired"
		}
		if s.metrics != nil {
			s.metrics.RecordChallengeVerify(tenantID, outcome)
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordChallengeVerify(tenantID, "passed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"passed": passed, "detail": detail})
}

func (s *DecisionServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

// handleEventStream upgrades to websocket and relays every cluster
// event until the client goes away.
func (s *DecisionServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	forward := func(_ context.Context, msg cluster.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
		}
	}

	unsubs := []func(){
		s.bus.Subscribe(cluster.EventRequestAnalyzed, forward),
		s.bus.Subscribe(cluster.EventBlacklistUpdate, forward),
		s.bus.Subscribe(cluster.EventConfigUpdate, forward),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// Reads only serve to detect the peer closing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
