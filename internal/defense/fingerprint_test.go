package defense

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintHashDeterministic(t *testing.T) {
	a := goodFingerprint()
	b := goodFingerprint()
	b.ClientTime = a.ClientTime

	assert.Equal(t, a.Hash(), b.Hash())

	b.Canvas = "different"
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestValidateCleanFingerprint(t *testing.T) {
	hot, _ := newTestHot(t)
	v := NewFingerprintValidator(hot)
	ctx := context.Background()

	res, err := v.Validate(ctx, goodFingerprint(), "10.0.0.1", "u1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, float64(100), res.Score)
	assert.Empty(t, res.Warnings)
}

func TestValidateUserAgentChange(t *testing.T) {
	hot, _ := newTestHot(t)
	v := NewFingerprintValidator(hot)
	ctx := context.Background()

	first := goodFingerprint()
	_, err := v.Validate(ctx, first, "10.0.0.1", "u1")
	require.NoError(t, err)

	second := goodFingerprint()
	second.ClientTime = first.ClientTime
	second.UserAgent = "curl/8.0"
	res, err := v.Validate(ctx, second, "10.0.0.1", "u1")
	require.NoError(t, err)

	assert.Contains(t, res.Warnings, "user agent mismatch")
	assert.Contains(t, res.Warnings, "fingerprint mismatch") // ua feeds the hash
	assert.Equal(t, float64(65), res.Score)
	assert.True(t, res.Valid)
}

func TestValidateBareFingerprintFails(t *testing.T) {
	hot, _ := newTestHot(t)
	v := NewFingerprintValidator(hot)
	ctx := context.Background()

	fp := &BrowserFingerprint{
		UserAgent:  "Mozilla/5.0",
		Screen:     "0x0",
		ClientTime: float64(time.Now().Unix()),
	}
	res, err := v.Validate(ctx, fp, "10.0.0.1", "u1")
	require.NoError(t, err)

	// Degenerate screen, no canvas, no webgl, no plugins.
	assert.Equal(t, float64(10), res.Score)
	assert.False(t, res.Valid)
}

func TestValidateClockSkew(t *testing.T) {
	hot, _ := newTestHot(t)
	v := NewFingerprintValidator(hot)
	ctx := context.Background()

	fp := goodFingerprint()
	fp.ClientTime = float64(time.Now().Add(-time.Minute).Unix())
	res, err := v.Validate(ctx, fp, "10.0.0.1", "u1")
	require.NoError(t, err)

	assert.Contains(t, res.Warnings, "client clock skew")
	assert.Equal(t, float64(90), res.Score)
	assert.True(t, res.Valid)
}

func TestDetectRealBrowserNotBot(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewBotDetector(hot)
	ctx := context.Background()

	res, err := d.Detect(ctx, goodFingerprint(), "10.0.0.1", "u1")
	require.NoError(t, err)
	assert.False(t, res.IsBot)
	assert.Equal(t, float64(0), res.Score)
	assert.Empty(t, res.Indicators)
}

func TestDetectHeadlessBot(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewBotDetector(hot)
	ctx := context.Background()

	res, err := d.Detect(ctx, headlessFingerprint(), "10.0.0.1", "u1")
	require.NoError(t, err)

	assert.True(t, res.IsBot)
	assert.True(t, res.Indicators["headless_detected"])
	assert.True(t, res.Indicators["canvas_missing"])
	assert.True(t, res.Indicators["webgl_missing"])
	assert.True(t, res.Indicators["no_plugins"])
	assert.Equal(t, float64(90), res.Score)
}

func TestDetectRapidCadence(t *testing.T) {
	hot, _ := newTestHot(t)
	d := NewBotDetector(hot)
	ctx := context.Background()

	// The detector records its own arrival stamps; back-to-back calls
	// land well under the 50 ms threshold once the ring is full.
	var res BotResult
	for i := 0; i < 7; i++ {
		var err error
		res, err = d.Detect(ctx, goodFingerprint(), "10.0.0.1", "u1")
		require.NoError(t, err)
	}
	assert.True(t, res.Indicators["rapid_requests"])
	assert.False(t, res.IsBot) // cadence alone stays under the threshold
}
