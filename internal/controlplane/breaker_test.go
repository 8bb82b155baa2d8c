package controlplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	breaker := NewCircuitBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		require.False(t, breaker.RecordFailure())
		require.False(t, breaker.Open())
	}
	require.True(t, breaker.RecordFailure())
	require.True(t, breaker.Open())
}

func TestBreakerSuccessClearsFailureCounter(t *testing.T) {
	breaker := NewCircuitBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		breaker.RecordFailure()
	}
	breaker.RecordSuccess()

	for i := 0; i < 4; i++ {
		require.False(t, breaker.RecordFailure())
	}
	require.False(t, breaker.Open())
}

func TestBreakerSelfClearsAfterCooldown(t *testing.T) {
	breaker := NewCircuitBreaker(2, 20*time.Millisecond)

	breaker.RecordFailure()
	breaker.RecordFailure()
	require.True(t, breaker.Open())

	time.Sleep(30 * time.Millisecond)
	require.False(t, breaker.Open())
}

func TestBreakerSuccessDoesNotCloseEarly(t *testing.T) {
	breaker := NewCircuitBreaker(2, time.Minute)

	breaker.RecordFailure()
	breaker.RecordFailure()
	require.True(t, breaker.Open())

	breaker.RecordSuccess()
	require.True(t, breaker.Open(), "an open breaker waits out its cooldown")
}
