package defense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cdn-defense/edge/internal/circuitbreaker"
	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/kv"
)

const (
	minuteWindow = 60 * time.Second
	hourWindow   = time.Hour

	rateLimitScore      = 75.0
	scoreBlockDuration  = 3600
	defaultListDuration = 3600 * time.Second

	// A single request never waits on the hot store longer than this;
	// the budget caps the whole pipeline on top of the per-call
	// deadlines the kv adapters apply.
	analyzeBudget = 2 * time.Second
)

// PolicyProvider resolves the effective policy for a tenant. The
// synchronizer's cache implements it; tests plug in a literal.
type PolicyProvider interface {
	EffectivePolicy(tenantID string) core.TenantPolicy
}

// EventPublisher fans operational events out to the cluster bus.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// PolicyFunc adapts a function to PolicyProvider.
type PolicyFunc func(tenantID string) core.TenantPolicy

func (f PolicyFunc) EffectivePolicy(tenantID string) core.TenantPolicy {
	return f(tenantID)
}

// Engine runs the admission pipeline for one request at a time:
// allowlist, denylist, rate limit, anomaly scan, fingerprint and bot
// scan, then threshold comparison. Each stage that touches the hot
// store rides the shared circuit breaker; a tripped breaker or a store
// error degrades the stage instead of failing the request.
type Engine struct {
	hot      kv.Hot
	breaker  *circuitbreaker.Breaker
	policies PolicyProvider

	limiter      *RateLimiter
	anomalies    *AnomalyDetector
	fingerprints *FingerprintValidator
	bots         *BotDetector
	trust        *DeviceTrust
	lists        *ListManager
	audit        *AuditLog
	bus          EventPublisher
	metrics      *Metrics
}

// EngineOptions carries the collaborators cmd wiring provides.
type EngineOptions struct {
	Hot      kv.Hot
	Policies PolicyProvider
	Bus      EventPublisher
	Metrics  *Metrics
}

func NewEngine(opts EngineOptions) *Engine {
	metrics := opts.Metrics
	trust := NewDeviceTrust(opts.Hot)
	return &Engine{
		hot:          opts.Hot,
		breaker:      circuitbreaker.New(circuitbreaker.DefaultConfig("hot-store")),
		policies:     opts.Policies,
		limiter:      NewRateLimiter(opts.Hot),
		anomalies:    NewAnomalyDetector(opts.Hot),
		fingerprints: NewFingerprintValidator(opts.Hot),
		bots:         NewBotDetector(opts.Hot),
		trust:        trust,
		lists:        NewListManager(opts.Hot),
		audit:        NewAuditLog(opts.Hot, metrics),
		bus:          opts.Bus,
		metrics:      metrics,
	}
}

// Trust exposes the device trust store for challenge wiring.
func (e *Engine) Trust() *DeviceTrust { return e.trust }

// Lists exposes the list manager for the HTTP layer.
func (e *Engine) Lists() *ListManager { return e.lists }

// Analyze renders the admission decision for one request. The
// effective policy is resolved once at entry; every stage of this
// call sees that snapshot. Hot store trouble degrades individual
// stages; only a failure that leaves no decision at all falls through
// to the tenant's failure policy.
func (e *Engine) Analyze(ctx context.Context, p *RequestProfile) DefenseDecision {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, analyzeBudget)
	defer cancel()
	policy := e.policies.EffectivePolicy(p.TenantID)

	decision, err := e.decide(ctx, p, policy)
	if err != nil {
		slog.Error("[Engine] Decision pipeline failed",
			"request_id", p.RequestID, "tenant", p.TenantID, "error", err)
		if e.metrics != nil {
			e.metrics.RecordEngineError(p.TenantID, policy.FailClosed)
		}
		decision = e.failureDecision(policy)
	}

	p.ThreatScore = decision.ThreatScore
	e.finish(ctx, p, decision)
	if e.metrics != nil {
		e.metrics.RecordDecision(p.TenantID, decision.Action, decision.ThreatScore, time.Since(start).Seconds())
	}
	return decision
}

func (e *Engine) failureDecision(policy core.TenantPolicy) DefenseDecision {
	if policy.FailClosed {
		return DefenseDecision{
			Allow:       false,
			Action:      ActionBlock,
			ThreatLevel: ThreatCritical,
			ThreatScore: 100,
			Reason:      "engine_error",
		}
	}
	return DefenseDecision{
		Allow:       true,
		Action:      ActionAllow,
		ThreatLevel: ThreatLow,
		Reason:      "engine_error",
	}
}

func (e *Engine) decide(ctx context.Context, p *RequestProfile, policy core.TenantPolicy) (DefenseDecision, error) {
	// Hot-store stages this request will attempt. When every one of
	// them fails there is no signal left and the tenant's failure
	// policy takes over.
	hotStages := 3
	if policy.AnomalyDetectionEnabled {
		hotStages++
	}
	hotFailures := 0

	var degraded []string
	note := func(cause string) {
		degraded = append(degraded, cause)
		hotFailures++
		if e.metrics != nil {
			e.metrics.RecordDegraded(p.TenantID, cause)
		}
	}

	// Allowlist wins over everything else.
	allowlisted, err := e.guarded("allowlist", func() (bool, error) {
		return e.lists.IsWhitelisted(ctx, p.TenantID, p.ClientIP)
	})
	if err != nil {
		note("allowlist")
	} else if allowlisted {
		return DefenseDecision{
			Allow:       true,
			Action:      ActionAllow,
			ThreatLevel: ThreatLow,
			Reason:      "allowlisted",
		}, nil
	}

	// Denylist beats rate limiting and scoring. The block runs out
	// when the list entry does.
	denylisted, err := e.guarded("denylist", func() (bool, error) {
		return e.lists.IsBlacklisted(ctx, p.TenantID, p.ClientIP)
	})
	if err != nil {
		note("denylist")
	} else if denylisted {
		score := ThreatScore(p, Anomalies{}, true)
		duration := int(defaultListDuration.Seconds())
		if ttl, err := e.hot.TTL(ctx, blacklistKey(p.TenantID, p.ClientIP)); err == nil && ttl > 0 {
			duration = int(ttl.Seconds())
		}
		return DefenseDecision{
			Allow:         false,
			Action:        ActionBlock,
			ThreatLevel:   LevelForScore(score),
			ThreatScore:   score,
			Reason:        "denylisted",
			BlockDuration: duration,
		}, nil
	}

	// Rate limit short-circuits the scoring stages.
	if limited, window, err := e.rateCheck(ctx, p, policy); err != nil {
		note("rate_limiter")
	} else if limited {
		return DefenseDecision{
			Allow:         false,
			Action:        ActionRateLimit,
			ThreatLevel:   LevelForScore(rateLimitScore),
			ThreatScore:   rateLimitScore,
			Reason:        withDegraded("rate limit exceeded", degraded),
			BlockDuration: int(window.Seconds()),
		}, nil
	}

	var anom Anomalies
	if policy.AnomalyDetectionEnabled {
		anom, err = e.guardedAnomalies(ctx, p)
		if err != nil {
			note("anomaly")
			anom = Anomalies{}
		}
	}

	if p.Fingerprint != nil && policy.BotDetectionEnabled {
		if err := e.evaluateFingerprint(ctx, p); err != nil {
			// Fingerprint trouble is degrading but does not count
			// toward total failure; the profile itself still scores.
			degraded = append(degraded, "fingerprint")
			if e.metrics != nil {
				e.metrics.RecordDegraded(p.TenantID, "fingerprint")
			}
		}
	}

	if hotFailures == hotStages {
		return DefenseDecision{}, fmt.Errorf("all stages unavailable: %s", strings.Join(degraded, ","))
	}

	score := ThreatScore(p, anom, false)
	level := LevelForScore(score)
	p.AttackKind = classifyAttack(p, anom)

	if score >= policy.BlockThreshold {
		return DefenseDecision{
			Allow:         false,
			Action:        ActionBlock,
			ThreatLevel:   level,
			ThreatScore:   score,
			Reason:        withDegraded(fmt.Sprintf("threat score %.0f", score), degraded),
			BlockDuration: scoreBlockDuration,
		}, nil
	}

	if score >= policy.JSChallengeThreshold {
		// An enrolled device already proved itself; skip the
		// challenge until its trust expires.
		if p.Fingerprint != nil && p.UserID != "" {
			trusted, err := e.trust.IsTrusted(ctx, p.UserID, p.Fingerprint.Hash())
			if err == nil && trusted {
				return DefenseDecision{
					Allow:       true,
					Action:      ActionAllow,
					ThreatLevel: level,
					ThreatScore: score,
					Reason:      withDegraded("trusted device", degraded),
				}, nil
			}
		}
		return DefenseDecision{
			Allow:              true,
			Action:             ActionChallenge,
			ThreatLevel:        level,
			ThreatScore:        score,
			Reason:             withDegraded("verification required", degraded),
			RequireJSChallenge: true,
		}, nil
	}

	return DefenseDecision{
		Allow:       true,
		Action:      ActionAllow,
		ThreatLevel: level,
		ThreatScore: score,
		Reason:      withDegraded("passed", degraded),
	}, nil
}

func withDegraded(reason string, degraded []string) string {
	if len(degraded) == 0 {
		return reason
	}
	return "degraded:" + strings.Join(degraded, ",")
}

func (e *Engine) guarded(op string, fn func() (bool, error)) (bool, error) {
	var result bool
	start := time.Now()
	err := e.breaker.Do(func() error {
		var err error
		result, err = fn()
		return err
	})
	e.observeHot(op, start)
	return result, err
}

func (e *Engine) guardedAnomalies(ctx context.Context, p *RequestProfile) (Anomalies, error) {
	var anom Anomalies
	start := time.Now()
	err := e.breaker.Do(func() error {
		var err error
		anom, err = e.anomalies.Detect(ctx, p)
		return err
	})
	e.observeHot("anomaly", start)
	return anom, err
}

func (e *Engine) observeHot(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveHotLatency(op, time.Since(start).Seconds())
	}
}

// rateCheck applies the minute window to the client IP and, when a
// user is known, to the user as well; the hour window mirrors both
// when the hourly rate is enabled. The first breached window wins and
// its length becomes the block duration.
func (e *Engine) rateCheck(ctx context.Context, p *RequestProfile, policy core.TenantPolicy) (bool, time.Duration, error) {
	type window struct {
		subject string
		limit   int
		span    time.Duration
	}
	// User windows apply to authenticated traffic only; anonymous
	// clients of one tenant never share a counter.
	userKnown := p.UserID != "" && p.UserID != AnonymousUser
	windows := []window{{p.ClientIP, policy.RatePerMinute, minuteWindow}}
	if userKnown {
		windows = append(windows, window{"user:" + p.UserID, policy.RatePerMinute, minuteWindow})
	}
	if policy.RatePerHour > 0 {
		windows = append(windows, window{p.ClientIP + ":hourly", policy.RatePerHour, hourWindow})
		if userKnown {
			windows = append(windows, window{"user:" + p.UserID + ":hourly", policy.RatePerHour, hourWindow})
		}
	}

	for _, w := range windows {
		var limited bool
		var count int64
		start := time.Now()
		err := e.breaker.Do(func() error {
			var err error
			limited, count, err = e.limiter.Check(ctx, p.TenantID, w.subject, w.limit, w.span)
			return err
		})
		e.observeHot("rate_limit", start)
		if err != nil {
			return false, 0, err
		}
		if limited {
			slog.Warn("[Engine] Rate limit exceeded",
				"tenant", p.TenantID, "subject", w.subject, "count", count, "limit", w.limit)
			return true, w.span, nil
		}
	}
	return false, 0, nil
}

func (e *Engine) evaluateFingerprint(ctx context.Context, p *RequestProfile) error {
	start := time.Now()
	defer func() { e.observeHot("fingerprint", start) }()
	return e.breaker.Do(func() error {
		fpRes, err := e.fingerprints.Validate(ctx, p.Fingerprint, p.ClientIP, p.UserID)
		if err != nil {
			return err
		}
		p.FingerprintMatched = fpRes.Valid

		botRes, err := e.bots.Detect(ctx, p.Fingerprint, p.ClientIP, p.UserID)
		if err != nil {
			return err
		}
		p.IsBot = botRes.IsBot
		return nil
	})
}

func classifyAttack(p *RequestProfile, anom Anomalies) AttackKind {
	switch {
	case p.IsBot:
		return AttackBot
	case anom.RapidRequests:
		return AttackCC
	case anom.PathScanning, anom.UASpoofing:
		return AttackPattern
	default:
		return AttackNone
	}
}

// finish writes the audit entry and publishes the request_analyzed
// event. Neither may fail the already-rendered decision.
func (e *Engine) finish(ctx context.Context, p *RequestProfile, d DefenseDecision) {
	e.audit.Append(ctx, NewAuditEntry(p, d))

	if e.bus == nil {
		return
	}
	err := e.bus.Publish(ctx, "request_analyzed", map[string]any{
		"request_id":   p.RequestID,
		"tenant_id":    p.TenantID,
		"client_ip":    p.ClientIP,
		"action":       d.Action,
		"threat_score": d.ThreatScore,
		"threat_level": d.ThreatLevel,
	})
	if err != nil {
		slog.Warn("[Engine] Event publish failed", "request_id", p.RequestID, "error", err)
	}
}

// AddToBlacklist denylists an IP locally and announces it so sibling
// nodes can apply the same entry without a config store round trip.
func (e *Engine) AddToBlacklist(ctx context.Context, tenantID, ip, reason string, duration time.Duration) error {
	if err := e.lists.Blacklist(ctx, tenantID, ip, reason, duration); err != nil {
		return err
	}
	if e.bus != nil {
		if duration <= 0 {
			duration = defaultListDuration
		}
		err := e.bus.Publish(ctx, "blacklist_update", map[string]any{
			"tenant_id": tenantID,
			"ip":        ip,
			"reason":    reason,
			"duration":  int(duration.Seconds()),
		})
		if err != nil {
			slog.Warn("[Engine] Blacklist announce failed", "ip", ip, "error", err)
		}
	}
	return nil
}

// ApplyBlacklistUpdate installs a denylist entry announced by a
// sibling node. It never republishes.
func (e *Engine) ApplyBlacklistUpdate(ctx context.Context, tenantID, ip, reason string, duration time.Duration) error {
	return e.lists.Blacklist(ctx, tenantID, ip, reason, duration)
}

// RemoveFromBlacklist drops the denylist entry.
func (e *Engine) RemoveFromBlacklist(ctx context.Context, tenantID, ip string) error {
	return e.lists.RemoveBlacklist(ctx, tenantID, ip)
}

// ListBlacklist returns the tenant's live denylist.
func (e *Engine) ListBlacklist(ctx context.Context, tenantID string) ([]ListEntry, error) {
	return e.lists.Blacklisted(ctx, tenantID)
}

// AddToWhitelist allowlists an IP. Duration 0 means permanent.
func (e *Engine) AddToWhitelist(ctx context.Context, tenantID, ip, reason string, duration time.Duration) error {
	return e.lists.Whitelist(ctx, tenantID, ip, reason, duration)
}

// RemoveFromWhitelist drops the allowlist entry.
func (e *Engine) RemoveFromWhitelist(ctx context.Context, tenantID, ip string) error {
	return e.lists.RemoveWhitelist(ctx, tenantID, ip)
}

// ListWhitelist returns the tenant's live allowlist.
func (e *Engine) ListWhitelist(ctx context.Context, tenantID string) ([]ListEntry, error) {
	return e.lists.Whitelisted(ctx, tenantID)
}

// Statistics aggregates the tenant's audit window and list sizes.
func (e *Engine) Statistics(ctx context.Context, tenantID string) (TenantStatistics, error) {
	blacklisted, err := e.lists.Blacklisted(ctx, tenantID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return TenantStatistics{}, err
	}
	whitelisted, err := e.lists.Whitelisted(ctx, tenantID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return TenantStatistics{}, err
	}
	return e.audit.Statistics(ctx, tenantID, len(blacklisted), len(whitelisted))
}

// Logs tails the tenant's audit ring, newest first.
func (e *Engine) Logs(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	return e.audit.Tail(ctx, tenantID, limit)
}
