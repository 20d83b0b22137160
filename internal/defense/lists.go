package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cdn-defense/edge/internal/kv"
)

// ListEntry is one denylist or allowlist record.
type ListEntry struct {
	IP        string  `json:"ip"`
	Reason    string  `json:"reason"`
	AddedAt   float64 `json:"added_at"`
	ExpiresAt float64 `json:"expires_at,omitempty"`
	TTL       int64   `json:"ttl_seconds,omitempty"`
}

// ListManager maintains the per-tenant IP denylist and allowlist in
// the hot store. Allowlist entries with duration 0 are permanent;
// denylist entries always carry a TTL.
type ListManager struct {
	hot kv.Hot
}

func NewListManager(hot kv.Hot) *ListManager {
	return &ListManager{hot: hot}
}

func blacklistKey(tenantID, ip string) string {
	return fmt.Sprintf("blacklist:%s:%s", tenantID, ip)
}

func whitelistKey(tenantID, ip string) string {
	return fmt.Sprintf("whitelist:%s:%s", tenantID, ip)
}

// Blacklist adds ip to the tenant denylist for the given duration.
func (m *ListManager) Blacklist(ctx context.Context, tenantID, ip, reason string, duration time.Duration) error {
	if duration <= 0 {
		duration = 3600 * time.Second
	}
	entry := ListEntry{
		IP:        ip,
		Reason:    reason,
		AddedAt:   float64(time.Now().Unix()),
		ExpiresAt: float64(time.Now().Add(duration).Unix()),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal blacklist entry: %w", err)
	}
	return m.hot.Set(ctx, blacklistKey(tenantID, ip), string(data), duration)
}

// Whitelist adds ip to the tenant allowlist. Duration 0 means the
// entry never expires.
func (m *ListManager) Whitelist(ctx context.Context, tenantID, ip, reason string, duration time.Duration) error {
	entry := ListEntry{
		IP:      ip,
		Reason:  reason,
		AddedAt: float64(time.Now().Unix()),
	}
	if duration > 0 {
		entry.ExpiresAt = float64(time.Now().Add(duration).Unix())
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal whitelist entry: %w", err)
	}
	return m.hot.Set(ctx, whitelistKey(tenantID, ip), string(data), duration)
}

// IsBlacklisted reports whether ip is currently denylisted for the tenant.
func (m *ListManager) IsBlacklisted(ctx context.Context, tenantID, ip string) (bool, error) {
	return m.hot.Exists(ctx, blacklistKey(tenantID, ip))
}

// IsWhitelisted reports whether ip is currently allowlisted for the tenant.
func (m *ListManager) IsWhitelisted(ctx context.Context, tenantID, ip string) (bool, error) {
	return m.hot.Exists(ctx, whitelistKey(tenantID, ip))
}

// RemoveBlacklist drops ip from the tenant denylist.
func (m *ListManager) RemoveBlacklist(ctx context.Context, tenantID, ip string) error {
	return m.hot.Del(ctx, blacklistKey(tenantID, ip))
}

// RemoveWhitelist drops ip from the tenant allowlist.
func (m *ListManager) RemoveWhitelist(ctx context.Context, tenantID, ip string) error {
	return m.hot.Del(ctx, whitelistKey(tenantID, ip))
}

// Blacklisted returns every live denylist entry for the tenant with
// its remaining TTL.
func (m *ListManager) Blacklisted(ctx context.Context, tenantID string) ([]ListEntry, error) {
	return m.listEntries(ctx, blacklistKey(tenantID, "*"), "blacklist:"+tenantID+":")
}

// Whitelisted returns every live allowlist entry for the tenant.
// Permanent entries report TTL 0.
func (m *ListManager) Whitelisted(ctx context.Context, tenantID string) ([]ListEntry, error) {
	return m.listEntries(ctx, whitelistKey(tenantID, "*"), "whitelist:"+tenantID+":")
}

func (m *ListManager) listEntries(ctx context.Context, pattern, prefix string) ([]ListEntry, error) {
	keys, err := m.hot.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	entries := make([]ListEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := m.hot.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry ListEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.IP == "" {
			entry.IP = strings.TrimPrefix(key, prefix)
		}
		if ttl, err := m.hot.TTL(ctx, key); err == nil && ttl > 0 {
			entry.TTL = int64(ttl.Seconds())
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
