// Package defense implements the per-request admission pipeline:
// rate limiting, anomaly detection, fingerprint and bot scoring,
// allow/deny lists and the decision engine that combines them.
package defense

import "time"

// AnonymousUser is the placeholder the HTTP layer assigns to requests
// with no user identity. It never gets a user-scoped rate window.
const AnonymousUser = "anonymous"

// Action is the terminal admission verdict for one request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
	ActionBlock     Action = "block"
)

// ThreatLevel classifies a threat score into four fixed bands.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// LevelForScore maps a score to its band: <30 low, <50 medium,
// <70 high, otherwise critical.
func LevelForScore(score float64) ThreatLevel {
	switch {
	case score < 30:
		return ThreatLow
	case score < 50:
		return ThreatMedium
	case score < 70:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}

// AttackKind labels the dominant signal behind a non-allow decision.
type AttackKind string

const (
	AttackNone    AttackKind = "normal"
	AttackCC      AttackKind = "cc_attack"
	AttackBot     AttackKind = "bot_attack"
	AttackPattern AttackKind = "pattern_anomaly"
)

// RequestProfile is the ephemeral record of one inbound request. The
// gateway fills the descriptive fields; the engine populates the
// evaluation fields during one decision and then discards the whole
// profile.
type RequestProfile struct {
	RequestID   string            `json:"request_id"`
	Timestamp   float64           `json:"timestamp"`
	ClientIP    string            `json:"client_ip"`
	UserAgent   string            `json:"user_agent"`
	Path        string            `json:"path"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	PayloadSize int64             `json:"payload_size"`
	UserID      string            `json:"user_id"`
	TenantID    string            `json:"tenant_id"`

	// Optional client-reported fingerprint, present when the gateway
	// forwards a probe response inline.
	Fingerprint *BrowserFingerprint `json:"fingerprint,omitempty"`

	// Evaluation fields, populated by the engine.
	HasJSChallenge     bool       `json:"has_js_challenge"`
	JSPassed           bool       `json:"js_passed"`
	FingerprintMatched bool       `json:"fingerprint_matched"`
	IsBot              bool       `json:"is_bot"`
	ThreatScore        float64    `json:"threat_score"`
	AttackKind         AttackKind `json:"attack_kind"`
}

// Subject returns the compound anomaly-state key suffix. Anonymous
// users of one IP deliberately collapse into a single bucket.
func (p *RequestProfile) Subject() string {
	return p.ClientIP + ":" + p.UserID
}

// DefenseDecision is the engine's verdict for one request.
type DefenseDecision struct {
	Allow              bool        `json:"allow"`
	Action             Action      `json:"action"`
	ThreatLevel        ThreatLevel `json:"threat_level"`
	ThreatScore        float64     `json:"threat_score"`
	Reason             string      `json:"reason"`
	RequireJSChallenge bool        `json:"require_js_challenge"`
	BlockDuration      int         `json:"block_duration"`
}

// AuditEntry is one row of the per-tenant append-only decision log.
type AuditEntry struct {
	Timestamp   string  `json:"timestamp"`
	RequestID   string  `json:"request_id"`
	TenantID    string  `json:"tenant_id"`
	ClientIP    string  `json:"client_ip"`
	UserID      string  `json:"user_id"`
	ThreatScore float64 `json:"threat_score"`
	Decision    Action  `json:"decision"`
	Reason      string  `json:"reason"`
}

// NewAuditEntry stamps an entry from a finished decision.
func NewAuditEntry(p *RequestProfile, d DefenseDecision) AuditEntry {
	return AuditEntry{
		Timestamp:   time.Now().Format(time.RFC3339Nano),
		RequestID:   p.RequestID,
		TenantID:    p.TenantID,
		ClientIP:    p.ClientIP,
		UserID:      p.UserID,
		ThreatScore: p.ThreatScore,
		Decision:    d.Action,
		Reason:      d.Reason,
	}
}
