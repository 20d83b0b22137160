package defense

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anomalyProfile(path string) *RequestProfile {
	return &RequestProfile{
		RequestID: "r1",
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		ClientIP:  "10.0.0.1",
		UserAgent: "Mozilla/5.0",
		Path:      path,
		Method:    "GET",
		UserID:    "u1",
		TenantID:  "t1",
	}
}

func TestDetectQuietTraffic(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewAnomalyDetector(hot)
	ctx := context.Background()

	anom, err := d.Detect(ctx, anomalyProfile("/index"))
	require.NoError(t, err)
	assert.False(t, anom.Any())
	assert.Equal(t, int64(0), anom.UniquePaths) // cardinality read precedes the record
}

func TestDetectRapidRequests(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewAnomalyDetector(hot)
	ctx := context.Background()

	// Eleven arrivals a millisecond apart fill the ring; the mean gap
	// is far below the 100 ms threshold by the last pass.
	base := float64(time.Now().Unix())
	var anom Anomalies
	for i := 0; i < 11; i++ {
		p := anomalyProfile("/index")
		p.Timestamp = base + float64(i)*0.001
		var err error
		anom, err = d.Detect(ctx, p)
		require.NoError(t, err)
	}
	assert.True(t, anom.RapidRequests)
	assert.Less(t, anom.MeanInterval, 0.1)
}

func TestDetectSlowCadenceNotRapid(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewAnomalyDetector(hot)
	ctx := context.Background()

	base := float64(time.Now().Unix())
	var anom Anomalies
	for i := 0; i < 11; i++ {
		p := anomalyProfile("/index")
		p.Timestamp = base + float64(i) // one per second
		var err error
		anom, err = d.Detect(ctx, p)
		require.NoError(t, err)
	}
	assert.False(t, anom.RapidRequests)
}

func TestDetectPathScanning(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewAnomalyDetector(hot)
	ctx := context.Background()

	var anom Anomalies
	for i := 0; i < 52; i++ {
		p := anomalyProfile(fmt.Sprintf("/probe/%d", i))
		p.Timestamp = float64(time.Now().Unix()) + float64(i)
		var err error
		anom, err = d.Detect(ctx, p)
		require.NoError(t, err)
	}
	assert.True(t, anom.PathScanning)
	assert.Greater(t, anom.UniquePaths, int64(50))
}

func TestDetectUASpoofing(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewAnomalyDetector(hot)
	ctx := context.Background()

	var anom Anomalies
	for i := 0; i < 22; i++ {
		p := anomalyProfile("/index")
		p.Timestamp = float64(time.Now().Unix()) + float64(i)
		p.UserAgent = fmt.Sprintf("agent-%d", i)
		var err error
		anom, err = d.Detect(ctx, p)
		require.NoError(t, err)
	}
	assert.True(t, anom.UASpoofing)
	assert.Greater(t, anom.UniqueAgents, int64(20))
}

func TestDetectSubjectsIsolated(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewAnomalyDetector(hot)
	ctx := context.Background()

	for i := 0; i < 52; i++ {
		p := anomalyProfile(fmt.Sprintf("/probe/%d", i))
		_, err := d.Detect(ctx, p)
		require.NoError(t, err)
	}

	p := anomalyProfile("/index")
	p.ClientIP = "10.0.0.2"
	anom, err := d.Detect(ctx, p)
	require.NoError(t, err)
	assert.False(t, anom.PathScanning)
}

func TestThreatScoreWeights(t *testing.T) {
	cases := []struct {
		name       string
		profile    RequestProfile
		anom       Anomalies
		denylisted bool
		want       float64
	}{
		{
			name:    "clean matched profile",
			profile: RequestProfile{FingerprintMatched: true},
			want:    0,
		},
		{
			name: "no fingerprint baseline",
			want: 5,
		},
		{
			name:    "bot with mismatch",
			profile: RequestProfile{IsBot: true},
			want:    35,
		},
		{
			name:    "rapid and scanning",
			profile: RequestProfile{FingerprintMatched: true},
			anom:    Anomalies{RapidRequests: true, PathScanning: true},
			want:    45,
		},
		{
			name:    "failed challenge",
			profile: RequestProfile{FingerprintMatched: true, HasJSChallenge: true, JSPassed: false},
			want:    10,
		},
		{
			name:    "payload at threshold not penalized",
			profile: RequestProfile{FingerprintMatched: true, PayloadSize: 1 << 20},
			want:    0,
		},
		{
			name:    "payload above threshold",
			profile: RequestProfile{FingerprintMatched: true, PayloadSize: 1<<20 + 1},
			want:    10,
		},
		{
			name:       "everything caps at 100",
			profile:    RequestProfile{IsBot: true, HasJSChallenge: true, PayloadSize: 2 << 20},
			anom:       Anomalies{RapidRequests: true, PathScanning: true, UASpoofing: true},
			denylisted: true,
			want:       100,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ThreatScore(&tc.profile, tc.anom, tc.denylisted)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, ThreatLow, LevelForScore(0))
	assert.Equal(t, ThreatLow, LevelForScore(29.9))
	assert.Equal(t, ThreatMedium, LevelForScore(30))
	assert.Equal(t, ThreatHigh, LevelForScore(50))
	assert.Equal(t, ThreatCritical, LevelForScore(70))
	assert.Equal(t, ThreatCritical, LevelForScore(100))
}
