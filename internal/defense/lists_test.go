package defense

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistRoundTrip(t *testing.T) {
	hot, _ := newTestHot(t)
	m := NewListManager(hot)
	ctx := context.Background()

	require.NoError(t, m.Blacklist(ctx, "t1", "10.0.0.1", "abuse", time.Minute))

	listed, err := m.IsBlacklisted(ctx, "t1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, listed)

	// A different tenant's list is untouched.
	listed, err = m.IsBlacklisted(ctx, "t2", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, listed)

	entries, err := m.Blacklisted(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.1", entries[0].IP)
	assert.Equal(t, "abuse", entries[0].Reason)
	assert.InDelta(t, 60, entries[0].TTL, 2)

	require.NoError(t, m.RemoveBlacklist(ctx, "t1", "10.0.0.1"))
	listed, err = m.IsBlacklisted(ctx, "t1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestBlacklistDefaultDuration(t *testing.T) {
	hot, _ := newTestHot(t)
	m := NewListManager(hot)
	ctx := context.Background()

	require.NoError(t, m.Blacklist(ctx, "t1", "10.0.0.1", "abuse", 0))

	ttl, err := hot.TTL(ctx, "blacklist:t1:10.0.0.1")
	require.NoError(t, err)
	assert.InDelta(t, 3600, ttl.Seconds(), 2)
}

func TestBlacklistEntryExpires(t *testing.T) {
	hot, srv := newTestHot(t)
	m := NewListManager(hot)
	ctx := context.Background()

	require.NoError(t, m.Blacklist(ctx, "t1", "10.0.0.1", "abuse", time.Minute))
	srv.FastForward(2 * time.Minute)

	listed, err := m.IsBlacklisted(ctx, "t1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, listed)

	entries, err := m.Blacklisted(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWhitelistPermanentEntry(t *testing.T) {
	hot, srv := newTestHot(t)
	m := NewListManager(hot)
	ctx := context.Background()

	require.NoError(t, m.Whitelist(ctx, "t1", "10.0.0.9", "partner", 0))
	srv.FastForward(24 * time.Hour)

	listed, err := m.IsWhitelisted(ctx, "t1", "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, listed)

	entries, err := m.Whitelisted(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].TTL)
	assert.Zero(t, entries[0].ExpiresAt)
}

func TestWhitelistTimedEntry(t *testing.T) {
	hot, _ := newTestHot(t)
	m := NewListManager(hot)
	ctx := context.Background()

	require.NoError(t, m.Whitelist(ctx, "t1", "10.0.0.9", "trial", time.Hour))

	entries, err := m.Whitelisted(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotZero(t, entries[0].ExpiresAt)
	assert.InDelta(t, 3600, entries[0].TTL, 2)
}
