package controlplane

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"liquidator/internal/obs"
)

// Monitor cadences per spec.md §4.10: lock cleanup and the stats summary
// both run every 60 s.
const (
	lockCleanupInterval = 60 * time.Second
	statsLogInterval    = 60 * time.Second
)

// Notifier is the narrow webhook surface the control plane calls on
// circuit-breaker transitions; satisfied by *webhook.Notifier.
type Notifier interface {
	CircuitBreaker(ctx context.Context, chain string, open bool, cooldown time.Duration)
}

// Options configures a ControlPlane. Zero values select the spec defaults.
type Options struct {
	Logger           *slog.Logger
	Notifier         Notifier
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// ControlPlane owns the circuit breaker, the execution lock table, the stats
// counters and the shutdown flag, per spec.md §4.10. One instance is shared
// across every chain.
type ControlPlane struct {
	logger   *slog.Logger
	notifier Notifier

	breaker *CircuitBreaker
	locks   *LockTable
	stats   *Stats

	shutdown atomic.Bool
	wasOpen  atomic.Bool
}

// New constructs a ControlPlane.
func New(opts Options) *ControlPlane {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlPlane{
		logger:   logger,
		notifier: opts.Notifier,
		breaker:  NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		locks:    NewLockTable(),
		stats:    NewStats(),
	}
}

// Stats exposes the shared counters for the subscriber, scanner and executor.
func (p *ControlPlane) Stats() *Stats { return p.stats }

// Locks exposes the execution lock table for the prioritizer.
func (p *ControlPlane) Locks() *LockTable { return p.locks }

// BreakerOpen reports whether the circuit breaker currently refuses
// dispatches; the prioritizer consults this before each cycle and candidate.
func (p *ControlPlane) BreakerOpen() bool {
	return p.breaker.Open()
}

// RecordSubmissionFailure feeds one submission failure into the breaker,
// logging and notifying if this failure opened it.
func (p *ControlPlane) RecordSubmissionFailure(ctx context.Context) {
	if opened := p.breaker.RecordFailure(); opened {
		p.wasOpen.Store(true)
		obs.Registry().CircuitBreakerOn.Set(1)
		p.logger.Error("circuit breaker opened", slog.Duration("cooldown", p.breaker.Cooldown()))
		if p.notifier != nil {
			p.notifier.CircuitBreaker(ctx, "all", true, p.breaker.Cooldown())
		}
	}
}

// RecordSubmissionSuccess clears the breaker's failure counter.
func (p *ControlPlane) RecordSubmissionSuccess() {
	p.breaker.RecordSuccess()
}

// Shutdown flips the shared shutdown flag; the monitoring loop exits on its
// next tick and long-running callers poll ShuttingDown between work items.
func (p *ControlPlane) Shutdown() {
	p.shutdown.Store(true)
}

// ShuttingDown reports whether Shutdown has been called.
func (p *ControlPlane) ShuttingDown() bool {
	return p.shutdown.Load()
}

// Snapshot copies the current counters, breaker state and lock count.
func (p *ControlPlane) Snapshot() StatsSnapshot {
	snap := p.stats.snapshot()
	snap.CircuitBreakerOpen = p.breaker.Open()
	snap.HeldLocks = p.locks.Len()
	return snap
}

// Run blocks, sweeping stale locks and emitting the one-line stats summary
// until ctx is cancelled or Shutdown is called. The breaker's self-close is
// observed here so the close transition is logged and notified exactly once.
func (p *ControlPlane) Run(ctx context.Context) {
	cleanup := time.NewTicker(lockCleanupInterval)
	defer cleanup.Stop()
	statsTick := time.NewTicker(statsLogInterval)
	defer statsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logFinalStats()
			return
		case <-cleanup.C:
			if p.ShuttingDown() {
				p.logFinalStats()
				return
			}
			if removed := p.locks.Cleanup(); removed > 0 {
				p.logger.Warn("reclaimed stale execution locks", slog.Int("count", removed))
			}
			p.observeBreakerClose(ctx)
		case <-statsTick.C:
			if p.ShuttingDown() {
				p.logFinalStats()
				return
			}
			p.logStats("pipeline stats")
			p.observeBreakerClose(ctx)
		}
	}
}

func (p *ControlPlane) observeBreakerClose(ctx context.Context) {
	if p.wasOpen.Load() && !p.breaker.Open() {
		p.wasOpen.Store(false)
		obs.Registry().CircuitBreakerOn.Set(0)
		p.logger.Info("circuit breaker closed")
		if p.notifier != nil {
			p.notifier.CircuitBreaker(ctx, "all", false, 0)
		}
	}
}

func (p *ControlPlane) logStats(msg string) {
	snap := p.Snapshot()
	p.logger.Info(msg,
		slog.Uint64("events", snap.Events),
		slog.Uint64("checks", snap.Checks),
		slog.Uint64("attempted", snap.Attempted),
		slog.Uint64("liquidations", snap.Liquidations),
		slog.Uint64("failed", snap.Failed),
		slog.Uint64("skipped_unprofitable", snap.SkippedUnprofitable),
		slog.Uint64("competitor_beats", snap.CompetitorBeats),
		slog.Bool("circuit_breaker_open", snap.CircuitBreakerOpen),
		slog.Int("held_locks", snap.HeldLocks))
}

func (p *ControlPlane) logFinalStats() {
	p.logStats("final pipeline stats")
}
