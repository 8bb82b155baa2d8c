package prioritizer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"liquidator/internal/controlplane"
	"liquidator/internal/protocol"
)

// Scoring constants per spec.md §4.7: seed per-protocol bonus, a flat
// expected gas cost and the uniform close factor. The executor refines gas
// per chain; these only rank candidates.
const (
	expectedGasUSD = 5.0
	closeFactor    = 0.5

	maxCandidates = 50
	cycleBudget   = 10 * time.Second
)

var protocolBonus = map[string]float64{
	"aave":       0.05,
	"compoundv3": 0.08,
	"venus":      0.10,
}

// Candidate is one scored position.
type Candidate struct {
	protocol.Position
	ProfitScore float64
}

// Executor is the dispatch surface the prioritizer hands candidates to;
// satisfied by *executor.Executor.
type Executor interface {
	Execute(ctx context.Context, pos protocol.Position)
}

// Prioritizer scores, sorts and time-boxes scan results before dispatching
// them to the executor under per-target locks, per spec.md §4.7.
type Prioritizer struct {
	minProfitUSD float64
	plane        *controlplane.ControlPlane
	executor     Executor
	logger       *slog.Logger
}

// New constructs a Prioritizer.
func New(minProfitUSD float64, plane *controlplane.ControlPlane, exec Executor, logger *slog.Logger) *Prioritizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prioritizer{minProfitUSD: minProfitUSD, plane: plane, executor: exec, logger: logger}
}

// Select filters positions to liquidatable candidates clearing the debt and
// profit floors, sorted descending by profit score and capped at 50.
func (p *Prioritizer) Select(positions []protocol.Position) []Candidate {
	candidates := make([]Candidate, 0, len(positions))
	for _, pos := range positions {
		if !pos.Liquidatable || pos.DebtUSD < protocol.MinDebtUSD {
			continue
		}
		bonus, ok := protocolBonus[pos.Protocol]
		if !ok {
			continue
		}
		score := pos.DebtUSD*closeFactor*bonus - expectedGasUSD
		if score <= p.minProfitUSD {
			continue
		}
		candidates = append(candidates, Candidate{Position: pos, ProfitScore: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ProfitScore > candidates[j].ProfitScore
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

// Process scores the positions and dispatches them in order, bounded by a
// 10 s wall clock. The circuit breaker is checked before the cycle and again
// before every candidate; each dispatch runs under the (protocol, chain,
// user) execution lock and skips if another task holds it.
func (p *Prioritizer) Process(ctx context.Context, positions []protocol.Position) {
	if p.plane.BreakerOpen() {
		p.logger.Warn("circuit breaker open, skipping process cycle")
		return
	}

	candidates := p.Select(positions)
	if len(candidates) == 0 {
		return
	}
	deadline := time.Now().Add(cycleBudget)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(deadline) {
			p.logger.Warn("process cycle budget exhausted", slog.Int("candidates", len(candidates)))
			return
		}
		if p.plane.BreakerOpen() {
			p.logger.Warn("circuit breaker opened mid-cycle, stopping")
			return
		}

		locks := p.plane.Locks()
		if !locks.Acquire(candidate.Protocol, candidate.Chain, candidate.User.Hex()) {
			p.logger.Debug("target locked by another task, skipping",
				slog.String("chain", candidate.Chain), slog.String("protocol", candidate.Protocol),
				slog.String("user", candidate.User.Hex()))
			continue
		}
		p.executor.Execute(ctx, candidate.Position)
		locks.Release(candidate.Protocol, candidate.Chain, candidate.User.Hex())
	}
}
