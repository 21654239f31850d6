package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerAllowsWhileClosed(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	require.True(t, cb.Allow())
	cb.RecordResult(true)
	require.True(t, cb.Allow())
}

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 1, 1, 0.5, time.Hour, 2)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	require.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenProbeThenCloses(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 1, 1, 0.5, 20*time.Millisecond, 2)
	cb.RecordResult(false)
	require.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow(), "half-open probe should be allowed after cooldown")
	cb.RecordResult(true)
	require.True(t, cb.Allow(), "second half-open probe should be allowed")
	cb.RecordResult(true)

	require.True(t, cb.Allow(), "breaker should be closed after enough successful probes")
}

func TestCircuitBreakerTripsWhenMinSamplesExceedsBucketCount(t *testing.T) {
	// Mirrors the scheduler's real configuration shape: more samples are
	// required to trip than there are buckets, so the window only reaches
	// minSamples if same-interval calls accumulate within a bucket instead
	// of each call resetting it.
	cb := NewCircuitBreakerAdaptive(30*time.Second, 6, 8, 0.5, 2*time.Second, 2)
	require.True(t, cb.Allow())
	for i := 0; i < 8; i++ {
		cb.RecordResult(false)
	}
	require.False(t, cb.Allow(), "breaker should trip once minSamples failing calls land in a fast burst")
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 1, 1, 0.5, 20*time.Millisecond, 2)
	cb.RecordResult(false)
	require.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	require.False(t, cb.Allow(), "a failed probe should reopen the circuit")
}
