package controlplane

import "sync"

// Stats holds the monotonic pipeline counters of spec.md §3. Counters are
// updated concurrently from the subscriber, scanner and executor, so every
// bump takes the short exclusive critical section spec.md §5 calls for.
type Stats struct {
	mu                  sync.Mutex
	events              uint64
	checks              uint64
	attempted           uint64
	liquidations        uint64
	failed              uint64
	skippedUnprofitable uint64
	competitorBeats     uint64
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// AddEvents counts accepted price updates.
func (s *Stats) AddEvents(n uint64) { s.add(&s.events, n) }

// AddChecks counts borrower evaluations performed.
func (s *Stats) AddChecks(n uint64) { s.add(&s.checks, n) }

// AddAttempted counts liquidation submissions dispatched.
func (s *Stats) AddAttempted(n uint64) { s.add(&s.attempted, n) }

// AddLiquidations counts confirmed liquidations.
func (s *Stats) AddLiquidations(n uint64) { s.add(&s.liquidations, n) }

// AddFailed counts reverted submissions.
func (s *Stats) AddFailed(n uint64) { s.add(&s.failed, n) }

// AddSkippedUnprofitable counts candidates dropped on the profit gate.
func (s *Stats) AddSkippedUnprofitable(n uint64) { s.add(&s.skippedUnprofitable, n) }

// AddCompetitorBeats counts candidates lost to a competing liquidator.
func (s *Stats) AddCompetitorBeats(n uint64) { s.add(&s.competitorBeats, n) }

func (s *Stats) add(target *uint64, n uint64) {
	s.mu.Lock()
	*target += n
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of every counter plus the breaker
// state, serialized by the health endpoint and the periodic stats log line.
type StatsSnapshot struct {
	Events              uint64 `json:"events"`
	Checks              uint64 `json:"checks"`
	Attempted           uint64 `json:"attempted"`
	Liquidations        uint64 `json:"liquidations"`
	Failed              uint64 `json:"failed"`
	SkippedUnprofitable uint64 `json:"skipped_unprofitable"`
	CompetitorBeats     uint64 `json:"competitor_beats"`
	CircuitBreakerOpen  bool   `json:"circuit_breaker_open"`
	HeldLocks           int    `json:"held_locks"`
}

func (s *Stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Events:              s.events,
		Checks:              s.checks,
		Attempted:           s.attempted,
		Liquidations:        s.liquidations,
		Failed:              s.failed,
		SkippedUnprofitable: s.skippedUnprofitable,
		CompetitorBeats:     s.competitorBeats,
	}
}
