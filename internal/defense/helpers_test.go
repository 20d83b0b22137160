package defense

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cdn-defense/edge/internal/kv"
)

func newTestHot(t *testing.T) (*kv.RedisHot, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	hot := kv.NewRedisHotFromClient(rdb)
	t.Cleanup(func() { hot.Close() })
	return hot, srv
}

// goodFingerprint resembles a real browser: full attribute set and a
// client clock in sync with ours.
func goodFingerprint() *BrowserFingerprint {
	return &BrowserFingerprint{
		UserAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		Language:   "en-US",
		Platform:   "MacIntel",
		Screen:     "2560x1440",
		Timezone:   "America/New_York",
		Canvas:     "c29tZS1sb25nLWNhbnZhcy1oYXNoLXZhbHVl",
		WebGL:      "ANGLE (Apple M1)",
		Plugins:    "PDF Viewer,Chrome PDF Viewer",
		ClientTime: float64(time.Now().Unix()),
	}
}

// headlessFingerprint resembles an automation framework: no canvas,
// no webgl, no plugins and a telltale user agent.
func headlessFingerprint() *BrowserFingerprint {
	return &BrowserFingerprint{
		UserAgent:  "Mozilla/5.0 HeadlessChrome/120.0",
		Language:   "en-US",
		Platform:   "Linux x86_64",
		Screen:     "1920x1080",
		ClientTime: float64(time.Now().Unix()),
	}
}
