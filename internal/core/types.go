// Package core holds the tenant-scoped configuration model shared by
// the decision engine, the global config store and the node
// synchronizer: policies, routes, certificates and the envelope they
// travel in.
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChallengeKind selects the challenge presented to suspicious clients.
type ChallengeKind string

const (
	ChallengeJS          ChallengeKind = "js"
	ChallengeCaptcha     ChallengeKind = "captcha"
	ChallengeFingerprint ChallengeKind = "fingerprint"
)

// DefensePluginName is the key under which the defense binding lives
// in a route's plugin map.
const DefensePluginName = "cdn-defense"

// TenantPolicy is the effective per-tenant defense configuration.
// Version is wall-clock milliseconds at write time and acts as the
// last-writer-wins tie-breaker.
type TenantPolicy struct {
	RatePerMinute           int           `json:"rate_per_minute"`
	RatePerHour             int           `json:"rate_per_hour"`
	JSChallengeThreshold    float64       `json:"js_challenge_threshold"`
	BlockThreshold          float64       `json:"block_threshold"`
	BotDetectionEnabled     bool          `json:"bot_detection_enabled"`
	AnomalyDetectionEnabled bool          `json:"anomaly_detection_enabled"`
	ChallengeKind           ChallengeKind `json:"challenge_kind"`
	TrustOnPass             bool          `json:"trust_on_pass"`
	FailClosed              bool          `json:"fail_closed"`
	Version                 int64         `json:"version"`
}

// DefaultPolicy returns the policy applied to tenants with no stored
// configuration.
func DefaultPolicy() TenantPolicy {
	return TenantPolicy{
		RatePerMinute:           100,
		RatePerHour:             10000,
		JSChallengeThreshold:    30,
		BlockThreshold:          70,
		BotDetectionEnabled:     true,
		AnomalyDetectionEnabled: true,
		ChallengeKind:           ChallengeJS,
		TrustOnPass:             true,
	}
}

// Validate rejects policies that violate the model invariants before
// they reach the config store.
func (p TenantPolicy) Validate() error {
	if p.RatePerMinute < 0 || p.RatePerHour < 0 {
		return fmt.Errorf("negative rate limit")
	}
	if p.JSChallengeThreshold < 0 || p.BlockThreshold > 100 {
		return fmt.Errorf("thresholds must lie in [0,100]")
	}
	if p.JSChallengeThreshold > p.BlockThreshold {
		return fmt.Errorf("js_challenge_threshold %.0f exceeds block_threshold %.0f",
			p.JSChallengeThreshold, p.BlockThreshold)
	}
	switch p.ChallengeKind {
	case "", ChallengeJS, ChallengeCaptcha, ChallengeFingerprint:
	default:
		return fmt.Errorf("unknown challenge_kind %q", p.ChallengeKind)
	}
	return nil
}

// PolicyOverrides shadows TenantPolicy fields for requests matching a
// route. Nil fields leave the tenant value in place.
type PolicyOverrides struct {
	RatePerMinute        *int     `json:"rate_per_minute,omitempty"`
	JSChallengeThreshold *float64 `json:"js_challenge_threshold,omitempty"`
	BlockThreshold       *float64 `json:"block_threshold,omitempty"`
	BotDetectionEnabled  *bool    `json:"bot_detection_enabled,omitempty"`
}

// Apply overlays the overrides onto a policy snapshot.
func (o *PolicyOverrides) Apply(p TenantPolicy) TenantPolicy {
	if o == nil {
		return p
	}
	if o.RatePerMinute != nil {
		p.RatePerMinute = *o.RatePerMinute
	}
	if o.JSChallengeThreshold != nil {
		p.JSChallengeThreshold = *o.JSChallengeThreshold
	}
	if o.BlockThreshold != nil {
		p.BlockThreshold = *o.BlockThreshold
	}
	if o.BotDetectionEnabled != nil {
		p.BotDetectionEnabled = *o.BotDetectionEnabled
	}
	return p
}

// DefensePluginConfig binds the defense engine to a route.
type DefensePluginConfig struct {
	EngineURL         string           `json:"defense_engine_url"`
	TenantID          string           `json:"tenant_id"`
	EnableJSChallenge bool             `json:"enable_js_challenge"`
	Overrides         *PolicyOverrides `json:"overrides,omitempty"`
}

// Route is a tenant-scoped route definition. The defense plugin
// binding is stored inside the route envelope, not as a separate
// root-level entity.
type Route struct {
	ID        string                         `json:"id"`
	TenantID  string                         `json:"tenant_id"`
	URI       string                         `json:"uri"`
	Upstream  string                         `json:"upstream"`
	Methods   []string                       `json:"methods"`
	StripPath bool                           `json:"strip_path"`
	Enabled   bool                           `json:"enabled"`
	Plugins   map[string]DefensePluginConfig `json:"plugins,omitempty"`
	CreatedAt float64                        `json:"created_at,omitempty"`
	Version   int64                          `json:"version"`
}

// DefenseBinding returns the route's defense plugin config, if bound.
func (r *Route) DefenseBinding() (DefensePluginConfig, bool) {
	cfg, ok := r.Plugins[DefensePluginName]
	return cfg, ok
}

// SSLCertificate is tenant-scoped TLS material. Certificates are
// never mutated in place; rotation is a delete-then-put under a new
// cert id.
type SSLCertificate struct {
	CertID    string  `json:"cert_id"`
	TenantID  string  `json:"tenant_id"`
	Domain    string  `json:"domain"`
	CertPEM   string  `json:"cert"`
	KeyPEM    string  `json:"key"`
	ExpiresAt float64 `json:"expires_at"`
	CreatedAt float64 `json:"created_at,omitempty"`
}

// CertID derives the store key for a tenant/domain pair.
func CertID(tenantID, domain string) string {
	return tenantID + ":" + domain
}

// Envelope wraps every value stored in the global config tree.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt float64         `json:"updated_at"`
	Version   int64           `json:"version"`
}

// WrapEnvelope marshals payload into a versioned envelope stamped
// with the current wall clock.
func WrapEnvelope(payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope payload: %w", err)
	}
	now := time.Now()
	return Envelope{
		Payload:   raw,
		UpdatedAt: float64(now.UnixNano()) / float64(time.Second),
		Version:   now.UnixMilli(),
	}, nil
}
