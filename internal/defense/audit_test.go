package defense

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditEntry(ip string, score float64, action Action) AuditEntry {
	return AuditEntry{
		Timestamp:   time.Now().Format(time.RFC3339Nano),
		RequestID:   "r-" + ip,
		TenantID:    "t1",
		ClientIP:    ip,
		UserID:      "u1",
		ThreatScore: score,
		Decision:    action,
		Reason:      "test",
	}
}

func TestAuditAppendAndTail(t *testing.T) {
	hot, _ := newTestHot(t)
	log := NewAuditLog(hot, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := auditEntry(fmt.Sprintf("10.0.0.%d", i), float64(i*10), ActionAllow)
		log.Append(ctx, e)
	}

	entries, err := log.Tail(ctx, "t1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, "10.0.0.4", entries[0].ClientIP)
	assert.Equal(t, "10.0.0.2", entries[2].ClientIP)
}

func TestAuditTailDefaultsAndBounds(t *testing.T) {
	hot, _ := newTestHot(t)
	log := NewAuditLog(hot, nil)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		log.Append(ctx, auditEntry("10.0.0.1", 0, ActionAllow))
	}

	entries, err := log.Tail(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 100)

	entries, err = log.Tail(ctx, "t1", 1000000)
	require.NoError(t, err)
	assert.Len(t, entries, 150)
}

func TestAuditTenantIsolation(t *testing.T) {
	hot, _ := newTestHot(t)
	log := NewAuditLog(hot, nil)
	ctx := context.Background()

	log.Append(ctx, auditEntry("10.0.0.1", 0, ActionAllow))

	entries, err := log.Tail(ctx, "t2", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStatistics(t *testing.T) {
	hot, _ := newTestHot(t)
	log := NewAuditLog(hot, nil)
	ctx := context.Background()

	log.Append(ctx, auditEntry("10.0.0.1", 10, ActionAllow))
	log.Append(ctx, auditEntry("10.0.0.1", 20, ActionAllow))
	log.Append(ctx, auditEntry("10.0.0.2", 90, ActionBlock))

	stats, err := log.Statistics(ctx, "t1", 3, 1)
	require.NoError(t, err)

	assert.Equal(t, "t1", stats.TenantID)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 2, stats.ByAction["allow"])
	assert.Equal(t, 1, stats.ByAction["block"])
	assert.Equal(t, float64(40), stats.AverageScore)
	assert.Equal(t, 3, stats.BlacklistedIPs)
	assert.Equal(t, 1, stats.WhitelistedIPs)

	require.Len(t, stats.TopIPs, 2)
	assert.Equal(t, IPRequestCount{IP: "10.0.0.1", Count: 2}, stats.TopIPs[0])
	assert.Equal(t, IPRequestCount{IP: "10.0.0.2", Count: 1}, stats.TopIPs[1])
}

func TestStatisticsTopIPsCapped(t *testing.T) {
	hot, _ := newTestHot(t)
	log := NewAuditLog(hot, nil)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		log.Append(ctx, auditEntry(fmt.Sprintf("10.0.1.%d", i), 0, ActionAllow))
	}

	stats, err := log.Statistics(ctx, "t1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, stats.TopIPs, 10)
}

func TestStatisticsEmptyWindow(t *testing.T) {
	hot, _ := newTestHot(t)
	log := NewAuditLog(hot, nil)

	stats, err := log.Statistics(context.Background(), "t1", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.AverageScore)
	assert.Empty(t, stats.TopIPs)
}
