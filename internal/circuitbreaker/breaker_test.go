package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func testConfig() Config {
	return Config{
		Name:      "test",
		MaxProbes: 1,
		Cooldown:  20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Do(succeed))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 3; i++ {
		err := b.Do(fail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open breaker fails fast without running fn.
	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New(testConfig())

	_ = b.Do(fail)
	_ = b.Do(fail)
	require.NoError(t, b.Do(succeed))
	_ = b.Do(fail)
	_ = b.Do(fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// One successful probe closes it again (MaxProbes=1).
	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Do(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerLimitsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProbes = 2
	b := New(cfg)

	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Hold probe slots open with in-flight calls.
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			_ = b.Do(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := b.Do(succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
