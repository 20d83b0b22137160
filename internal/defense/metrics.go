package defense

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the decision engine
type Metrics struct {
	// Decision metrics
	Decisions    *prometheus.CounterVec
	ThreatScore  *prometheus.HistogramVec
	DecisionTime *prometheus.HistogramVec
	Degraded     *prometheus.CounterVec
	EngineErrors *prometheus.CounterVec

	// Challenge metrics
	ChallengesIssued   *prometheus.CounterVec
	ChallengesVerified *prometheus.CounterVec

	// Audit metrics
	AuditDropped *prometheus.CounterVec

	// Hot store metrics
	HotLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Decision Counter
		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_decisions_total",
				Help: "Total number of defense decisions rendered",
			},
			[]string{"tenant_id", "action"}, // action: allow, block, challenge, rate_limit
		),

		// Threat Score Histogram
		ThreatScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "defense_threat_score",
				Help:    "Composite threat score per analyzed request",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"tenant_id"},
		),

		// Decision Duration Histogram
		DecisionTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "defense_decision_duration_seconds",
				Help:    "Wall time of the full decision pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id"},
		),

		// Degraded Decision Counter
		Degraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_degraded_decisions_total",
				Help: "Decisions rendered with one or more signal stages unavailable",
			},
			[]string{"tenant_id", "cause"}, // cause: hot_store, rate_limiter, anomaly
		),

		// Engine Error Counter
		EngineErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_engine_errors_total",
				Help: "Unrecoverable pipeline failures resolved by the failure policy",
			},
			[]string{"tenant_id", "resolution"}, // resolution: fail_open, fail_closed
		),

		// Challenge Issued Counter
		ChallengesIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_challenges_issued_total",
				Help: "Challenges minted for suspicious clients",
			},
			[]string{"tenant_id", "kind"}, // kind: js, captcha, fingerprint
		),

		// Challenge Verified Counter
		ChallengesVerified: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_challenges_verified_total",
				Help: "Challenge redemption attempts by outcome",
			},
			[]string{"tenant_id", "outcome"}, // outcome: passed, failed, expired
		),

		// Audit Drop Counter
		AuditDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_audit_dropped_total",
				Help: "Audit entries lost to hot store write failures",
			},
			[]string{"tenant_id"},
		),

		// Hot Store Latency Histogram
		HotLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "defense_hot_store_latency_seconds",
				Help:    "Latency of hot store round trips by operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
	}
}

// RecordDecision records a rendered decision and its score
func (m *Metrics) RecordDecision(tenantID string, action Action, score float64, seconds float64) {
	m.Decisions.WithLabelValues(tenantID, string(action)).Inc()
	m.ThreatScore.WithLabelValues(tenantID).Observe(score)
	m.DecisionTime.WithLabelValues(tenantID).Observe(seconds)
}

// RecordDegraded records a decision that skipped an unavailable stage
func (m *Metrics) RecordDegraded(tenantID, cause string) {
	m.Degraded.WithLabelValues(tenantID, cause).Inc()
}

// RecordEngineError records a pipeline failure and how it was resolved
func (m *Metrics) RecordEngineError(tenantID string, failClosed bool) {
	resolution := "fail_open"
	if failClosed {
		resolution = "fail_closed"
	}
	m.EngineErrors.WithLabelValues(tenantID, resolution).Inc()
}

// RecordChallengeVerify records a redemption outcome
func (m *Metrics) RecordChallengeVerify(tenantID, outcome string) {
	m.ChallengesVerified.WithLabelValues(tenantID, outcome).Inc()
}

// ObserveHotLatency records one guarded hot store round trip
func (m *Metrics) ObserveHotLatency(op string, seconds float64) {
	m.HotLatency.WithLabelValues(op).Observe(seconds)
}
