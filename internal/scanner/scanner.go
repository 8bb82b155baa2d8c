package scanner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/controlplane"
	"liquidator/internal/obs"
	"liquidator/internal/pricefeed"
	"liquidator/internal/protocol"
	"liquidator/internal/registry"
)

// sweepInterval is the periodic full-sweep cadence of spec.md §4.7.
const sweepInterval = 30 * time.Second

// Processor consumes one scan cycle's positions; satisfied by
// *prioritizer.Prioritizer.
type Processor interface {
	Process(ctx context.Context, positions []protocol.Position)
}

// Scanner orchestrates per-chain scans: it reads the borrower registry, runs
// each protocol adapter in order (Aave, Compound, Venus) and hands the
// merged position list to the processor, per spec.md §4.7.
type Scanner struct {
	registry  *registry.Registry
	adapters  map[string][]protocol.Adapter
	processor Processor
	stats     *controlplane.Stats
	logger    *slog.Logger
}

// New constructs a Scanner. adapters maps a chain name to its ordered
// adapter list.
func New(reg *registry.Registry, adapters map[string][]protocol.Adapter, processor Processor, stats *controlplane.Stats, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make(map[string][]protocol.Adapter, len(adapters))
	for chainName, list := range adapters {
		normalized[strings.ToLower(chainName)] = list
	}
	return &Scanner{
		registry:  reg,
		adapters:  normalized,
		processor: processor,
		stats:     stats,
		logger:    logger,
	}
}

// ScanChain evaluates every known borrower on one chain across its adapters
// and returns the concatenated positions. Chains with no borrowers or no
// adapters scan to nothing.
func (s *Scanner) ScanChain(ctx context.Context, chainName string) []protocol.Position {
	chainName = strings.ToLower(chainName)
	adapters, ok := s.adapters[chainName]
	if !ok {
		return nil
	}
	borrowers := s.registry.Borrowers(chainName)
	if len(borrowers) == 0 {
		return nil
	}

	users := make([]common.Address, 0, len(borrowers))
	for _, addr := range borrowers {
		users = append(users, common.HexToAddress(addr))
	}

	positions := make([]protocol.Position, 0)
	for _, adapter := range adapters {
		if ctx.Err() != nil {
			return positions
		}
		found, err := adapter.BatchEvaluate(ctx, users)
		if err != nil {
			s.logger.Warn("batch evaluation failed",
				slog.String("chain", chainName), slog.String("protocol", adapter.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if s.stats != nil {
			s.stats.AddChecks(uint64(len(users)))
		}
		obs.Registry().ScanChecks.WithLabelValues(chainName, adapter.Name()).Add(float64(len(users)))
		positions = append(positions, found...)
	}
	return positions
}

// Run blocks, consuming price updates for selective scans and sweeping every
// chain with a non-empty borrower set every 30 s, until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, updates <-chan pricefeed.PriceUpdate) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.scanAndProcess(ctx, update.Chain)
		case <-ticker.C:
			for chainName := range s.adapters {
				if ctx.Err() != nil {
					return
				}
				s.scanAndProcess(ctx, chainName)
			}
		}
	}
}

func (s *Scanner) scanAndProcess(ctx context.Context, chainName string) {
	positions := s.ScanChain(ctx, chainName)
	if len(positions) == 0 {
		return
	}
	s.processor.Process(ctx, positions)
}
