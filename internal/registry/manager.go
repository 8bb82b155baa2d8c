package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// incrementalInterval is how often the manager re-scans every chain for new
// borrowers, per spec.md §4.3 "Incremental update".
const incrementalInterval = 5 * time.Minute

// ChainSource is one chain's discovery target: a client able to filter logs
// and report the current head, plus the (protocol, pool address) pairs to
// scan for Borrow events.
type ChainSource struct {
	Chain   string
	Client  LogFilterer
	Targets []DiscoveryTarget
}

// DiscoveryTarget pairs a protocol's Borrow-event spec with the contract
// address to filter logs against (pool, Comet market, or comptroller).
type DiscoveryTarget struct {
	Spec    ProtocolSpec
	Address common.Address
}

// Manager owns the registry's initial load, backward bootstrap, and
// periodic incremental discovery across every configured chain.
type Manager struct {
	reg     *Registry
	path    string
	sources []ChainSource
	logger  *slog.Logger
}

// NewManager loads the persisted registry at path (or starts empty) and
// binds it to the supplied per-chain discovery sources.
func NewManager(path string, sources []ChainSource, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{reg: reg, path: path, sources: sources, logger: logger}, nil
}

// Registry returns the underlying registry for read access by the scanner.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Persist writes the registry to disk; called on shutdown so additions from
// the final partial interval survive.
func (m *Manager) Persist() error {
	return m.reg.Save(m.path)
}

// Bootstrap performs spec.md §4.3's "Initial load": any chain with no
// recorded last-scanned block is discovered backward by
// InitialDiscoveryBlocks from the current head, then persisted.
func (m *Manager) Bootstrap(ctx context.Context) error {
	anyAdded := false
	for _, source := range m.sources {
		if _, ok := m.reg.LastScannedBlock(source.Chain); ok {
			continue
		}
		head, err := source.Client.BlockNumber(ctx)
		if err != nil {
			m.logger.Warn("bootstrap: failed to read head, skipping chain",
				slog.String("chain", source.Chain), slog.String("error", err.Error()))
			continue
		}
		from := uint64(0)
		if head > InitialDiscoveryBlocks {
			from = head - InitialDiscoveryBlocks
		}
		added, err := m.discoverChain(ctx, source, from, head)
		if err != nil {
			m.logger.Warn("bootstrap: discovery aborted", slog.String("chain", source.Chain), slog.String("error", err.Error()))
			continue
		}
		m.reg.SetLastScannedBlock(source.Chain, head)
		if added > 0 {
			anyAdded = true
		}
		m.logger.Info("bootstrap discovery complete",
			slog.String("chain", source.Chain), slog.Int("added", added), slog.Uint64("from", from), slog.Uint64("to", head))
	}
	if anyAdded {
		return m.reg.Save(m.path)
	}
	return nil
}

// RunIncremental blocks, re-scanning every chain every 5 minutes for new
// Borrow events since the last recorded block, until ctx is cancelled.
func (m *Manager) RunIncremental(ctx context.Context) {
	ticker := time.NewTicker(incrementalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.incrementalTick(ctx)
		}
	}
}

func (m *Manager) incrementalTick(ctx context.Context) {
	anyAdded := false
	for _, source := range m.sources {
		head, err := source.Client.BlockNumber(ctx)
		if err != nil {
			m.logger.Warn("incremental update: failed to read head, skipping chain",
				slog.String("chain", source.Chain), slog.String("error", err.Error()))
			continue
		}
		last, ok := m.reg.LastScannedBlock(source.Chain)
		from := uint64(0)
		if ok {
			from = last + 1
		}
		if from > head {
			continue
		}
		added, err := m.discoverChain(ctx, source, from, head)
		if err != nil {
			m.logger.Warn("incremental update: discovery aborted", slog.String("chain", source.Chain), slog.String("error", err.Error()))
			continue
		}
		m.reg.SetLastScannedBlock(source.Chain, head)
		if added > 0 {
			anyAdded = true
			m.logger.Info("incremental discovery found new borrowers",
				slog.String("chain", source.Chain), slog.Int("added", added))
		}
	}
	if anyAdded {
		if err := m.reg.Save(m.path); err != nil {
			m.logger.Error("failed to persist registry", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) discoverChain(ctx context.Context, source ChainSource, from, to uint64) (int, error) {
	total := 0
	for _, target := range source.Targets {
		added, err := DiscoverRange(ctx, source.Client, m.reg, source.Chain, target.Spec, target.Address, from, to, m.logger)
		total += added
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
