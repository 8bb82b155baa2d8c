package chain

import (
	"sync"
	"time"
)

// failureThreshold is the number of consecutive failures after which an
// endpoint is marked unhealthy, per spec.md §3/§4.1.
const failureThreshold = 3

// Endpoint is one RPC URL for one chain, tracked for health and rotation.
// All fields are guarded by mu; callers never touch them directly.
type Endpoint struct {
	URL string

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	successCount        uint64
	lastLatency         time.Duration
	lastCheck           time.Time
}

// NewEndpoint constructs a healthy Endpoint for the given URL.
func NewEndpoint(url string) *Endpoint {
	return &Endpoint{URL: url, healthy: true}
}

// Healthy reports the endpoint's current health flag.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// Snapshot is a point-in-time, lock-free copy of an endpoint's state, safe to
// log or serialize.
type Snapshot struct {
	URL                 string        `json:"url"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessCount        uint64        `json:"success_count"`
	LastLatency         time.Duration `json:"last_latency_ns"`
	LastCheck           time.Time     `json:"last_check"`
}

// Snapshot copies the endpoint's current state.
func (e *Endpoint) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		URL:                 e.URL,
		Healthy:             e.healthy,
		ConsecutiveFailures: e.consecutiveFailures,
		SuccessCount:        e.successCount,
		LastLatency:         e.lastLatency,
		LastCheck:           e.lastCheck,
	}
}

// RecordSuccess resets the failure count to zero, marks the endpoint healthy
// and records the observed latency, per the Endpoint invariant in spec.md §3.
func (e *Endpoint) RecordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.healthy = true
	e.successCount++
	e.lastLatency = latency
	e.lastCheck = time.Now()
}

// RecordFailure increments the consecutive-failure count and reports whether
// it just tripped the unhealthy threshold.
func (e *Endpoint) RecordFailure() (tripped bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	e.lastCheck = time.Now()
	if e.consecutiveFailures >= failureThreshold && e.healthy {
		e.healthy = false
		return true
	}
	return false
}

// ForceHealthy resets the endpoint to a healthy state with zero failures,
// used by the pool's liveness override when every endpoint is unhealthy.
func (e *Endpoint) ForceHealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.consecutiveFailures = 0
}
