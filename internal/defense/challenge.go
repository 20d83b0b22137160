package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cdn-defense/edge/internal/core"
	"github.com/cdn-defense/edge/internal/kv"
)

const (
	challengeTTL    = 300 * time.Second
	deviceTrustTTL  = 30 * 24 * time.Hour
	challengePrefix = "js_challenge:"
)

// JSChallenge is a server-minted, single-use challenge record. It is
// redeemed or it expires; there is no third outcome.
type JSChallenge struct {
	ID        string             `json:"id"`
	Kind      core.ChallengeKind `json:"type"`
	ClientIP  string             `json:"client_ip"`
	UserID    string             `json:"user_id"`
	TenantID  string             `json:"tenant_id"`
	CreatedAt float64            `json:"created_at"`
	ExpiresAt float64            `json:"expires_at"`
}

// VerifyDetail reports how a challenge redemption was judged.
type VerifyDetail struct {
	FingerprintValid bool     `json:"fingerprint_valid"`
	FingerprintScore float64  `json:"fingerprint_score"`
	BotScore         float64  `json:"bot_score"`
	Warnings         []string `json:"warnings,omitempty"`
}

// ChallengeManager drives the challenge state machine:
// issued, then passed (valid fingerprint, not a bot, before expiry),
// failed (response arrives but validation fails) or expired. Every
// redemption attempt consumes the record.
type ChallengeManager struct {
	hot       kv.Hot
	validator *FingerprintValidator
	bots      *BotDetector
	trust     *DeviceTrust
}

func NewChallengeManager(hot kv.Hot, validator *FingerprintValidator, bots *BotDetector, trust *DeviceTrust) *ChallengeManager {
	return &ChallengeManager{hot: hot, validator: validator, bots: bots, trust: trust}
}

// Create mints a challenge for (ip, user, tenant) with the default
// five-minute expiry.
func (m *ChallengeManager) Create(ctx context.Context, clientIP, userID, tenantID string, kind core.ChallengeKind) (*JSChallenge, error) {
	if kind == "" {
		kind = core.ChallengeJS
	}
	now := time.Now()
	ch := &JSChallenge{
		ID:        uuid.New().String(),
		Kind:      kind,
		ClientIP:  clientIP,
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: float64(now.Unix()),
		ExpiresAt: float64(now.Add(challengeTTL).Unix()),
	}

	data, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}
	ok, err := m.hot.SetNX(ctx, challengePrefix+ch.ID, string(data), challengeTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("challenge id collision: %s", ch.ID)
	}
	return ch, nil
}

// Verify redeems a challenge with the client's fingerprint response.
// Unknown or expired ids return ErrChallengeExpired; a response that
// fails validation returns ErrChallengeInvalid. The record is deleted
// on any response arrival, so a second Verify of the same id reports
// ErrChallengeExpired.
func (m *ChallengeManager) Verify(ctx context.Context, challengeID string, fp *BrowserFingerprint, trustOnPass bool) (bool, VerifyDetail, error) {
	var detail VerifyDetail

	key := challengePrefix + challengeID
	raw, err := m.hot.Get(ctx, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return false, detail, ErrChallengeExpired
		}
		return false, detail, err
	}

	var ch JSChallenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return false, detail, fmt.Errorf("decode challenge %s: %w", challengeID, err)
	}

	// Single use: the record is consumed by this response no matter
	// how the validation comes out.
	if err := m.hot.Del(ctx, key); err != nil {
		slog.Warn("[Challenge] Failed to consume challenge", "id", challengeID, "error", err)
	}

	if float64(time.Now().Unix()) > ch.ExpiresAt {
		return false, detail, ErrChallengeExpired
	}

	fpRes, err := m.validator.Validate(ctx, fp, ch.ClientIP, ch.UserID)
	if err != nil {
		return false, detail, err
	}
	detail.FingerprintValid = fpRes.Valid
	detail.FingerprintScore = fpRes.Score
	detail.Warnings = fpRes.Warnings

	botRes, err := m.bots.Detect(ctx, fp, ch.ClientIP, ch.UserID)
	if err != nil {
		return false, detail, err
	}
	detail.BotScore = botRes.Score

	if botRes.IsBot || !fpRes.Valid {
		return false, detail, ErrChallengeInvalid
	}

	if trustOnPass {
		if err := m.trust.Trust(ctx, fp, ch.ClientIP, ch.UserID); err != nil {
			slog.Warn("[Challenge] Device trust enrollment failed",
				"user", ch.UserID, "error", err)
		}
	}
	return true, detail, nil
}

// TrustedDevice is one enrolled (user, fingerprint) pair.
type TrustedDevice struct {
	IP          string  `json:"ip"`
	Fingerprint string  `json:"fingerprint"`
	UserAgent   string  `json:"user_agent"`
	TrustedAt   float64 `json:"trusted_at"`
	LastSeen    float64 `json:"last_seen"`
}

// DeviceTrust manages trusted-device tokens keyed by
// (user_id, fingerprint_hash) with a 30-day sliding TTL.
type DeviceTrust struct {
	hot kv.Hot
}

func NewDeviceTrust(hot kv.Hot) *DeviceTrust {
	return &DeviceTrust{hot: hot}
}

func deviceKey(userID, fpHash string) string {
	return fmt.Sprintf("trusted_device:%s:%s", userID, fpHash)
}

// Trust enrolls the device for 30 days.
func (t *DeviceTrust) Trust(ctx context.Context, fp *BrowserFingerprint, clientIP, userID string) error {
	now := float64(time.Now().Unix())
	dev := TrustedDevice{
		IP:          clientIP,
		Fingerprint: fp.Hash(),
		UserAgent:   fp.UserAgent,
		TrustedAt:   now,
		LastSeen:    now,
	}
	data, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("marshal trusted device: %w", err)
	}
	return t.hot.Set(ctx, deviceKey(userID, dev.Fingerprint), string(data), deviceTrustTTL)
}

// IsTrusted reports whether the device is enrolled. A hit slides the
// TTL forward and refreshes last_seen.
func (t *DeviceTrust) IsTrusted(ctx context.Context, userID, fpHash string) (bool, error) {
	key := deviceKey(userID, fpHash)
	raw, err := t.hot.Get(ctx, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	var dev TrustedDevice
	if err := json.Unmarshal([]byte(raw), &dev); err == nil {
		dev.LastSeen = float64(time.Now().Unix())
		if data, err := json.Marshal(dev); err == nil {
			if err := t.hot.Set(ctx, key, string(data), deviceTrustTTL); err != nil {
				slog.Warn("[DeviceTrust] TTL refresh failed", "user", userID, "error", err)
			}
		}
	}
	return true, nil
}

// Devices lists every enrolled device for a user.
func (t *DeviceTrust) Devices(ctx context.Context, userID string) ([]TrustedDevice, error) {
	keys, err := t.hot.Keys(ctx, deviceKey(userID, "*"))
	if err != nil {
		return nil, err
	}
	devices := make([]TrustedDevice, 0, len(keys))
	for _, key := range keys {
		raw, err := t.hot.Get(ctx, key)
		if err != nil {
			continue
		}
		var dev TrustedDevice
		if err := json.Unmarshal([]byte(raw), &dev); err == nil {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

// Revoke removes one enrolled device.
func (t *DeviceTrust) Revoke(ctx context.Context, userID, fpHash string) error {
	return t.hot.Del(ctx, deviceKey(userID, fpHash))
}
