package defense

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cdn-defense/edge/internal/kv"
)

const (
	anomalyWindow = 300 * time.Second

	arrivalRingLen      = 10
	rapidMeanInterval   = 0.1 // seconds
	pathScanCardinality = 50
	uaSpoofCardinality  = 20
)

// Anomalies are the short-horizon pattern flags for one request.
type Anomalies struct {
	RapidRequests bool    `json:"rapid_requests,omitempty"`
	MeanInterval  float64 `json:"mean_interval,omitempty"`
	PathScanning  bool    `json:"path_scanning,omitempty"`
	UniquePaths   int64   `json:"unique_paths,omitempty"`
	UASpoofing    bool    `json:"ua_spoofing,omitempty"`
	UniqueAgents  int64   `json:"unique_agents,omitempty"`
}

// Any reports whether at least one flag is raised.
func (a Anomalies) Any() bool {
	return a.RapidRequests || a.PathScanning || a.UASpoofing
}

// AnomalyDetector keeps three per-(tenant, ip, user) summaries on the
// Hot KV, all expiring with the 300 s window: the last ten arrival
// timestamps, the set of distinct paths and the set of distinct user
// agents. It scores; it never decides.
type AnomalyDetector struct {
	hot kv.Hot
}

func NewAnomalyDetector(hot kv.Hot) *AnomalyDetector {
	return &AnomalyDetector{hot: hot}
}

// Detect reads the summaries, raises flags, then records the current
// request into all three.
func (d *AnomalyDetector) Detect(ctx context.Context, p *RequestProfile) (Anomalies, error) {
	var anom Anomalies
	subject := p.Subject()

	ringKey := fmt.Sprintf("request_pattern:%s:%s", p.TenantID, subject)
	stamps, err := d.hot.ListRange(ctx, ringKey, 0, arrivalRingLen-1)
	if err != nil {
		return anom, err
	}
	if len(stamps) >= arrivalRingLen {
		if mean, ok := meanInterval(stamps); ok {
			anom.MeanInterval = mean
			if mean < rapidMeanInterval {
				anom.RapidRequests = true
			}
		}
	}

	pathKey := fmt.Sprintf("path_scan:%s:%s", p.TenantID, subject)
	nPaths, err := d.hot.SetCard(ctx, pathKey)
	if err != nil {
		return anom, err
	}
	anom.UniquePaths = nPaths
	if nPaths > pathScanCardinality {
		anom.PathScanning = true
	}

	uaKey := fmt.Sprintf("useragent_pattern:%s:%s", p.TenantID, subject)
	nAgents, err := d.hot.SetCard(ctx, uaKey)
	if err != nil {
		return anom, err
	}
	anom.UniqueAgents = nAgents
	if nAgents > uaSpoofCardinality {
		anom.UASpoofing = true
	}

	// Record this request into the window state.
	ts := strconv.FormatFloat(p.Timestamp, 'f', -1, 64)
	if err := d.hot.ListPush(ctx, ringKey, ts); err != nil {
		return anom, err
	}
	if err := d.hot.ListTrim(ctx, ringKey, 0, arrivalRingLen-1); err != nil {
		return anom, err
	}
	if err := d.hot.Expire(ctx, ringKey, anomalyWindow); err != nil {
		return anom, err
	}
	if err := d.hot.SetAdd(ctx, pathKey, anomalyWindow, p.Path); err != nil {
		return anom, err
	}
	if p.UserAgent != "" {
		if err := d.hot.SetAdd(ctx, uaKey, anomalyWindow, p.UserAgent); err != nil {
			return anom, err
		}
	}

	return anom, nil
}

// meanInterval computes the mean gap across a newest-first list of
// float timestamps.
func meanInterval(stamps []string) (float64, bool) {
	if len(stamps) < 2 {
		return 0, false
	}
	vals := make([]float64, 0, len(stamps))
	for _, s := range stamps {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		vals = append(vals, f)
	}
	// Newest first: walk toward older entries.
	var sum float64
	for i := 0; i < len(vals)-1; i++ {
		sum += vals[i] - vals[i+1]
	}
	mean := sum / float64(len(vals)-1)
	if mean < 0 {
		mean = -mean
	}
	return mean, true
}

// Score weights per signal, capped at 100.
const (
	scoreRapidRequests = 20
	scorePathScanning  = 25
	scoreUASpoofing    = 15
	scoreBot           = 30
	scoreFailedJS      = 10
	scoreFPMismatch    = 5
	scoreLargePayload  = 10
	scoreDenylisted    = 50
	largePayloadBytes  = 1 << 20
)

// ThreatScore folds the anomaly flags and the profile's evaluation
// fields into the bounded [0,100] score. Payloads of exactly 1 MiB do
// not incur the large-payload penalty; strictly larger ones do.
func ThreatScore(p *RequestProfile, anom Anomalies, denylisted bool) float64 {
	var score float64

	if p.IsBot {
		score += scoreBot
	}
	if anom.RapidRequests {
		score += scoreRapidRequests
	}
	if anom.PathScanning {
		score += scorePathScanning
	}
	if anom.UASpoofing {
		score += scoreUASpoofing
	}
	if p.HasJSChallenge && !p.JSPassed {
		score += scoreFailedJS
	}
	if !p.FingerprintMatched {
		score += scoreFPMismatch
	}
	if p.PayloadSize > largePayloadBytes {
		score += scoreLargePayload
	}
	if denylisted {
		score += scoreDenylisted
	}

	if score > 100 {
		score = 100
	}
	return score
}
