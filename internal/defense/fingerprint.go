package defense

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cdn-defense/edge/internal/kv"
)

// BrowserFingerprint carries the attribute set reported by the
// in-page probe script.
type BrowserFingerprint struct {
	UserAgent  string  `json:"ua"`
	Language   string  `json:"lang"`
	Platform   string  `json:"platform"`
	Screen     string  `json:"screen"`
	Timezone   string  `json:"timezone"`
	Canvas     string  `json:"canvas"`
	WebGL      string  `json:"webgl"`
	Plugins    string  `json:"plugins"`
	ClientTime float64 `json:"time"`
}

// Hash is the fingerprint identity: SHA-256 over the JSON dump with
// sorted field names.
func (fp *BrowserFingerprint) Hash() string {
	fields := map[string]interface{}{
		"canvas":   fp.Canvas,
		"lang":     fp.Language,
		"platform": fp.Platform,
		"plugins":  fp.Plugins,
		"screen":   fp.Screen,
		"time":     fp.ClientTime,
		"timezone": fp.Timezone,
		"ua":       fp.UserAgent,
		"webgl":    fp.WebGL,
	}
	// encoding/json writes map keys in sorted order.
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func degenerateScreen(screen string) bool {
	return screen == "0x0" || screen == "1x1"
}

// Fingerprint validation deductions, starting from 100.
const (
	fpDeductUAMismatch   = 20
	fpDeductHashMismatch = 15
	fpDeductClockSkew    = 10
	fpDeductScreen       = 25
	fpDeductNoCanvas     = 30
	fpDeductNoWebGL      = 20
	fpDeductNoPlugins    = 15

	fpValidFloor   = 60
	fpCacheTTL     = time.Hour
	fpMaxClockSkew = 10 * time.Second
)

// FingerprintResult details one validation pass.
type FingerprintResult struct {
	Valid    bool     `json:"valid"`
	Score    float64  `json:"score"`
	Hash     string   `json:"fingerprint_hash"`
	Warnings []string `json:"warnings,omitempty"`
}

// FingerprintValidator compares an incoming fingerprint against the
// cached fingerprint and user agent for the same (ip, user) pair.
type FingerprintValidator struct {
	hot kv.Hot
}

func NewFingerprintValidator(hot kv.Hot) *FingerprintValidator {
	return &FingerprintValidator{hot: hot}
}

// Validate scores the fingerprint and refreshes the (ip, user) caches
// when the incoming values are consistent with them.
func (v *FingerprintValidator) Validate(ctx context.Context, fp *BrowserFingerprint, clientIP, userID string) (FingerprintResult, error) {
	res := FingerprintResult{Score: 100, Hash: fp.Hash()}
	warn := func(points float64, msg string) {
		res.Score -= points
		res.Warnings = append(res.Warnings, msg)
	}

	uaKey := fmt.Sprintf("ua_cache:%s:%s", clientIP, userID)
	cachedUA, err := v.hot.Get(ctx, uaKey)
	switch {
	case err != nil && !kv.IsNotFound(err):
		return res, err
	case err == nil && cachedUA != fp.UserAgent:
		warn(fpDeductUAMismatch, "user agent mismatch")
	default:
		if err := v.hot.Set(ctx, uaKey, fp.UserAgent, fpCacheTTL); err != nil {
			return res, err
		}
	}

	fpKey := fmt.Sprintf("fingerprint_cache:%s:%s", clientIP, userID)
	cachedHash, err := v.hot.Get(ctx, fpKey)
	switch {
	case err != nil && !kv.IsNotFound(err):
		return res, err
	case err == nil && cachedHash != res.Hash:
		warn(fpDeductHashMismatch, "fingerprint mismatch")
	default:
		if err := v.hot.Set(ctx, fpKey, res.Hash, fpCacheTTL); err != nil {
			return res, err
		}
	}

	if skew := time.Since(floatToTime(fp.ClientTime)); skew > fpMaxClockSkew || skew < -fpMaxClockSkew {
		warn(fpDeductClockSkew, "client clock skew")
	}
	if degenerateScreen(fp.Screen) {
		warn(fpDeductScreen, "degenerate screen size")
	}
	if fp.Canvas == "" {
		warn(fpDeductNoCanvas, "canvas fingerprint missing")
	}
	if fp.WebGL == "" {
		warn(fpDeductNoWebGL, "webgl fingerprint missing")
	}
	if fp.Plugins == "" || fp.Plugins == "unknown" {
		warn(fpDeductNoPlugins, "plugin signature missing")
	}

	res.Valid = res.Score >= fpValidFloor
	return res, nil
}

// Bot indicator weights.
const (
	botCanvasMissing = 25
	botWebGLMissing  = 20
	botHeadlessUA    = 30
	botBadScreen     = 25
	botRapidArrival  = 20
	botNoPlugins     = 15
	botClockSkew     = 10

	botThreshold      = 50
	botRingLen        = 5
	botRapidInterval  = 0.05 // seconds
	botMaxClockSkew   = 60 * time.Second
	botStateTTL       = time.Hour
	shortCanvasLength = 20
)

var headlessMarkers = []string{"headless", "phantom", "zombie", "puppeteer", "jsdom"}

// BotResult details one bot-detection pass.
type BotResult struct {
	IsBot      bool            `json:"is_bot"`
	Score      float64         `json:"bot_score"`
	Indicators map[string]bool `json:"indicators,omitempty"`
}

// BotDetector scores headless/automation indicators from the
// fingerprint plus the recent arrival cadence for (ip, user).
type BotDetector struct {
	hot kv.Hot
}

func NewBotDetector(hot kv.Hot) *BotDetector {
	return &BotDetector{hot: hot}
}

// Detect runs the scoring pass and records the current arrival
// timestamp into the cadence ring.
func (d *BotDetector) Detect(ctx context.Context, fp *BrowserFingerprint, clientIP, userID string) (BotResult, error) {
	res := BotResult{Indicators: make(map[string]bool)}
	hit := func(points float64, name string) {
		res.Score += points
		res.Indicators[name] = true
	}

	if len(fp.Canvas) < shortCanvasLength {
		hit(botCanvasMissing, "canvas_missing")
	}
	if fp.WebGL == "" {
		hit(botWebGLMissing, "webgl_missing")
	}
	ua := strings.ToLower(fp.UserAgent)
	for _, marker := range headlessMarkers {
		if strings.Contains(ua, marker) {
			hit(botHeadlessUA, "headless_detected")
			break
		}
	}
	if degenerateScreen(fp.Screen) || fp.Screen == "unknown" {
		hit(botBadScreen, "invalid_screen_resolution")
	}

	ringKey := fmt.Sprintf("bot_detection:%s:%s:timestamps", clientIP, userID)
	stamps, err := d.hot.ListRange(ctx, ringKey, 0, botRingLen-1)
	if err != nil {
		return res, err
	}
	if len(stamps) >= botRingLen {
		if mean, ok := meanInterval(stamps); ok && mean < botRapidInterval {
			hit(botRapidArrival, "rapid_requests")
		}
	}

	if fp.Plugins == "" || fp.Plugins == "none" {
		hit(botNoPlugins, "no_plugins")
	}
	if fp.ClientTime != 0 {
		if skew := time.Since(floatToTime(fp.ClientTime)); skew > botMaxClockSkew || skew < -botMaxClockSkew {
			hit(botClockSkew, "timestamp_anomaly")
		}
	}

	// Record arrival for the next pass.
	now := strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
	if err := d.hot.ListPush(ctx, ringKey, now); err != nil {
		return res, err
	}
	if err := d.hot.ListTrim(ctx, ringKey, 0, 9); err != nil {
		return res, err
	}
	if err := d.hot.Expire(ctx, ringKey, botStateTTL); err != nil {
		return res, err
	}

	res.IsBot = res.Score >= botThreshold
	return res, nil
}

func floatToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
