package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdn-defense/edge/internal/cluster"
	"github.com/cdn-defense/edge/internal/defense"
	"github.com/cdn-defense/edge/internal/kv"
	"github.com/cdn-defense/edge/internal/syncd"
)

type decisionFixture struct {
	server *httptest.Server
	store  *syncd.Store
	engine *defense.Engine
}

func newDecisionFixture(t *testing.T) *decisionFixture {
	t.Helper()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	hot := kv.NewRedisHotFromClient(rdb)
	t.Cleanup(func() { hot.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cold := kv.NewMemoryCold()
	node := syncd.NewSynchronizer("node-test", cold, syncd.NewCache())
	require.NoError(t, node.Start(ctx))
	store := syncd.NewStore(cold)

	bus := cluster.NewBus(hot, "node-test")
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(bus.Close)

	engine := defense.NewEngine(defense.EngineOptions{
		Hot:      hot,
		Policies: node,
		Bus:      bus,
	})
	challenges := defense.NewChallengeManager(hot,
		defense.NewFingerprintValidator(hot), defense.NewBotDetector(hot), engine.Trust())

	handler := NewDecisionServer("node-test", hot, engine, challenges, node, store, bus, nil).Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &decisionFixture{server: ts, store: store, engine: engine}
}

func (f *decisionFixture) do(t *testing.T, method, path, tenant string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func browserFingerprint() map[string]any {
	return map[string]any{
		"ua":       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		"lang":     "en-US",
		"platform": "MacIntel",
		"screen":   "2560x1440",
		"timezone": "America/New_York",
		"canvas":   "c29tZS1sb25nLWNhbnZhcy1oYXNoLXZhbHVl",
		"webgl":    "ANGLE (Apple M1)",
		"plugins":  "PDF Viewer,Chrome PDF Viewer",
		"time":     float64(time.Now().Unix()),
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "node-test", body["node_id"])
	assert.NotEmpty(t, resp.Header.Get("X-Process-Time"))
}

func TestTenantRequired(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "POST", "/analyze", "", map[string]any{"request": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing tenant id", body["error"])
}

func TestTenantFromQueryParam(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "GET", "/config?tenant_id=t1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t1", body["tenant_id"])
}

func TestAnalyzeEndpoint(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "POST", "/analyze", "t1", map[string]any{
		"request": map[string]any{"client_ip": "10.0.0.1", "path": "/login"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allow"])
	assert.Equal(t, "allow", body["action"])
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, false, body["require_js_challenge"])
}

func TestAnalyzeMalformedBody(t *testing.T) {
	f := newDecisionFixture(t)

	req, err := http.NewRequest("POST", f.server.URL+"/analyze", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "t1")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBlacklistFlow(t *testing.T) {
	f := newDecisionFixture(t)

	resp, _ := f.do(t, "POST", "/blacklist", "t1", map[string]any{
		"ip": "10.0.0.1", "reason": "abuse", "duration": 300,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The denylisted IP is now blocked on analysis.
	resp, body := f.do(t, "POST", "/analyze", "t1", map[string]any{
		"request": map[string]any{"client_ip": "10.0.0.1"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["allow"])
	assert.Equal(t, "block", body["action"])
	assert.Equal(t, "denylisted", body["reason"])

	resp, body = f.do(t, "GET", "/blacklist", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["blacklist"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.1", entries[0].(map[string]any)["ip"])

	resp, _ = f.do(t, "DELETE", "/blacklist", "t1", map[string]any{"ip": "10.0.0.1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = f.do(t, "GET", "/blacklist", "t1", nil)
	assert.Empty(t, body["blacklist"])
}

func TestBlacklistRequiresIP(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "POST", "/blacklist", "t1", map[string]any{"reason": "abuse"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ip is required", body["error"])
}

func TestWhitelistFlow(t *testing.T) {
	f := newDecisionFixture(t)

	resp, _ := f.do(t, "POST", "/whitelist", "t1", map[string]any{"ip": "10.0.0.9", "reason": "partner"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, "GET", "/whitelist", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["whitelist"].([]any), 1)

	resp, body = f.do(t, "POST", "/analyze", "t1", map[string]any{
		"request": map[string]any{"client_ip": "10.0.0.9"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "allowlisted", body["reason"])
}

func TestConfigRoundTrip(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "GET", "/config", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := body["config"].(map[string]any)
	assert.Equal(t, float64(100), cfg["rate_per_minute"]) // defaults until configured

	resp, _ = f.do(t, "POST", "/config", "t1", map[string]any{
		"config": map[string]any{"rate_per_minute": 5},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The write lands in the global store with the other fields kept.
	stored, err := f.store.GetTenantPolicy(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, stored.RatePerMinute)
	assert.Equal(t, float64(70), stored.BlockThreshold)
}

func TestConfigRejectsInvalid(t *testing.T) {
	f := newDecisionFixture(t)

	resp, _ := f.do(t, "POST", "/config", "t1", map[string]any{
		"config": map[string]any{"js_challenge_threshold": 90, "block_threshold": 40},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogsEndpoint(t *testing.T) {
	f := newDecisionFixture(t)

	for i := 0; i < 3; i++ {
		f.do(t, "POST", "/analyze", "t1", map[string]any{
			"request": map[string]any{"client_ip": fmt.Sprintf("10.0.0.%d", i)},
		})
	}

	resp, body := f.do(t, "GET", "/logs?limit=2", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["logs"].([]any), 2)

	resp, body = f.do(t, "GET", "/logs?limit=-1", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "limit")
}

func TestStatisticsEndpoint(t *testing.T) {
	f := newDecisionFixture(t)

	f.do(t, "POST", "/analyze", "t1", map[string]any{
		"request": map[string]any{"client_ip": "10.0.0.1"},
	})

	resp, body := f.do(t, "GET", "/statistics", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t1", body["tenant_id"])
	assert.Equal(t, float64(1), body["total_requests"])
}

func TestChallengeFlow(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "POST", "/challenge", "t1", map[string]any{
		"client_ip": "10.0.0.1", "user_id": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	challenge := body["challenge"].(map[string]any)
	id := challenge["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "js", challenge["type"])

	resp, body = f.do(t, "POST", "/challenge/verify", "t1", map[string]any{
		"challenge_id": id,
		"fingerprint":  browserFingerprint(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["passed"])

	// Redeeming again reports the challenge gone.
	resp, _ = f.do(t, "POST", "/challenge/verify", "t1", map[string]any{
		"challenge_id": id,
		"fingerprint":  browserFingerprint(),
	})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestChallengeRequiresClientIP(t *testing.T) {
	f := newDecisionFixture(t)

	resp, _ := f.do(t, "POST", "/challenge", "t1", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncStatusEndpoint(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "GET", "/sync/status", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "node-test", body["node_id"])
}

func TestUnknownEndpoint(t *testing.T) {
	f := newDecisionFixture(t)

	resp, body := f.do(t, "GET", "/nope", "t1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "endpoint not found", body["error"])
}
