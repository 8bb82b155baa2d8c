package controlplane

import (
	"sync"
	"time"
)

// Circuit-breaker defaults per spec.md §3: opens at 5 consecutive submission
// failures, stays open for a 5 minute cooldown.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 5 * time.Minute
)

// CircuitBreaker is shared across all chains. It opens when consecutive
// submission failures reach the threshold and self-clears once the cooldown
// has elapsed; a success clears the failure counter but never shortens an
// open cooldown.
type CircuitBreaker struct {
	mu                  sync.Mutex
	threshold           int
	cooldown            time.Duration
	consecutiveFailures int
	openUntil           time.Time
}

// NewCircuitBreaker constructs a breaker; zero values select the defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// RecordFailure counts one submission failure and reports whether this call
// opened the breaker.
func (b *CircuitBreaker) RecordFailure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold && time.Now().After(b.openUntil) {
		b.openUntil = time.Now().Add(b.cooldown)
		b.consecutiveFailures = 0
		return true
	}
	return false
}

// RecordSuccess clears the consecutive-failure counter. An already-open
// breaker stays open until its cooldown passes.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}

// Open reports whether the breaker currently refuses dispatches.
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

// Cooldown returns the configured cooldown, for notifications.
func (b *CircuitBreaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}
