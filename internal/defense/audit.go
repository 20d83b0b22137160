package defense

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/cdn-defense/edge/internal/kv"
)

const (
	auditRingSize = 10000
	auditMaxTail  = 10000
	auditDefault  = 100
)

// AuditLog keeps a capped per-tenant ring of decision records in the
// hot store under logs:{tenant}. Append failures never block the
// decision path: they are logged and counted, and the decision that
// produced the entry stands.
type AuditLog struct {
	hot     kv.Hot
	metrics *Metrics
}

func NewAuditLog(hot kv.Hot, metrics *Metrics) *AuditLog {
	return &AuditLog{hot: hot, metrics: metrics}
}

func auditKey(tenantID string) string {
	return "logs:" + tenantID
}

// Append pushes an entry and trims the ring to its cap.
func (a *AuditLog) Append(ctx context.Context, entry AuditEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		a.dropped(entry.TenantID, err)
		return
	}
	key := auditKey(entry.TenantID)
	if err := a.hot.ListPush(ctx, key, string(data)); err != nil {
		a.dropped(entry.TenantID, err)
		return
	}
	if err := a.hot.ListTrim(ctx, key, 0, auditRingSize-1); err != nil {
		a.dropped(entry.TenantID, err)
	}
}

func (a *AuditLog) dropped(tenantID string, err error) {
	slog.Warn("[Audit] Entry dropped", "tenant", tenantID, "error", err)
	if a.metrics != nil {
		a.metrics.AuditDropped.WithLabelValues(tenantID).Inc()
	}
}

// Tail returns the newest entries, newest first. Limit defaults to 100
// and is capped at the ring size.
func (a *AuditLog) Tail(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = auditDefault
	}
	if limit > auditMaxTail {
		limit = auditMaxTail
	}
	raw, err := a.hot.ListRange(ctx, auditKey(tenantID), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TenantStatistics summarizes the tenant's current audit window.
type TenantStatistics struct {
	TenantID       string           `json:"tenant_id"`
	TotalRequests  int              `json:"total_requests"`
	ByAction       map[string]int   `json:"by_action"`
	AverageScore   float64          `json:"average_threat_score"`
	BlacklistedIPs int              `json:"blacklisted_ips"`
	WhitelistedIPs int              `json:"whitelisted_ips"`
	TopIPs         []IPRequestCount `json:"top_ips"`
}

// IPRequestCount is one row of the per-IP request ranking.
type IPRequestCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Statistics aggregates the full audit ring for a tenant: totals per
// action, mean threat score, and the ten busiest client IPs.
func (a *AuditLog) Statistics(ctx context.Context, tenantID string, blacklisted, whitelisted int) (TenantStatistics, error) {
	stats := TenantStatistics{
		TenantID:       tenantID,
		ByAction:       map[string]int{},
		BlacklistedIPs: blacklisted,
		WhitelistedIPs: whitelisted,
	}

	entries, err := a.Tail(ctx, tenantID, auditMaxTail)
	if err != nil {
		return stats, err
	}

	var scoreSum float64
	perIP := map[string]int{}
	for _, entry := range entries {
		stats.ByAction[string(entry.Decision)]++
		scoreSum += entry.ThreatScore
		perIP[entry.ClientIP]++
	}
	stats.TotalRequests = len(entries)
	if len(entries) > 0 {
		stats.AverageScore = scoreSum / float64(len(entries))
	}

	for ip, count := range perIP {
		stats.TopIPs = append(stats.TopIPs, IPRequestCount{IP: ip, Count: count})
	}
	sort.Slice(stats.TopIPs, func(i, j int) bool {
		if stats.TopIPs[i].Count != stats.TopIPs[j].Count {
			return stats.TopIPs[i].Count > stats.TopIPs[j].Count
		}
		return stats.TopIPs[i].IP < stats.TopIPs[j].IP
	})
	if len(stats.TopIPs) > 10 {
		stats.TopIPs = stats.TopIPs[:10]
	}
	return stats, nil
}
