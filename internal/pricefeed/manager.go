package pricefeed

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/obs"
)

// crossEntry is the most recent price observed from one source for one
// token, used to validate the next update from a different source.
type crossEntry struct {
	priceUSD   float64
	observedAt time.Time
}

// Manager runs every (chain, endpoint) subscription task for a chain and
// cross-validates updates before publishing them, per spec.md §4.2. One
// Manager exists per chain.
type Manager struct {
	chain             string
	sink              Sink
	outCh             chan<- PriceUpdate
	onAccept          func()
	minHealthySources int
	logger            *slog.Logger

	tasks []*Task

	mu     sync.Mutex
	latest map[string]map[int]crossEntry // token -> sourceIndex -> last price
}

// New constructs a Manager for chain, creating one Task per websocket
// endpoint; each Task dials its endpoint when Run starts it. feedTokens maps
// an oracle feed contract address to the token symbol it reports, shared
// across every endpoint for the chain.
func New(chain string, endpoints []string, feedTokens map[common.Address]string, sink Sink, outCh chan<- PriceUpdate, onAccept func(), minHealthySources int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		chain:             strings.ToLower(chain),
		sink:              sink,
		outCh:             outCh,
		onAccept:          onAccept,
		minHealthySources: minHealthySources,
		logger:            logger,
		latest:            make(map[string]map[int]crossEntry),
	}
	for i, endpoint := range endpoints {
		mgr.tasks = append(mgr.tasks, newTask(mgr.chain, endpoint, i, feedTokens, mgr, logger))
	}
	return mgr
}

// Run launches every task and the aggregate health monitor, blocking until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range m.tasks {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			t.Run(ctx)
		}(task)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.monitorHealth(ctx)
	}()

	wg.Wait()
}

func (m *Manager) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := 0
			for _, t := range m.tasks {
				if t.Healthy() {
					healthy++
				}
			}
			switch {
			case healthy == 0:
				m.logger.Error("price feed has zero healthy sources", slog.String("chain", m.chain))
			case healthy < m.minHealthySources:
				m.logger.Warn("price feed below configured healthy source count",
					slog.String("chain", m.chain), slog.Int("healthy", healthy), slog.Int("want", m.minHealthySources))
			}
		}
	}
}

// ingest is called by a Task with a freshly decoded price. It applies
// cross-source validation per spec.md §4.2 and, if accepted, updates the
// sink's price cache and publishes a PriceUpdate.
func (m *Manager) ingest(chain, token string, priceUSD float64, sourceIndex int) {
	token = strings.ToLower(token)
	now := time.Now()

	m.mu.Lock()
	sources, ok := m.latest[token]
	if !ok {
		sources = make(map[int]crossEntry)
		m.latest[token] = sources
	}

	rejected := false
	for otherIdx, entry := range sources {
		if otherIdx == sourceIndex {
			continue
		}
		if now.Sub(entry.observedAt) > maxCrossCheckAge {
			continue
		}
		if relativeDeviation(priceUSD, entry.priceUSD) > maxDeviation {
			rejected = true
			break
		}
	}
	sources[sourceIndex] = crossEntry{priceUSD: priceUSD, observedAt: now}
	m.mu.Unlock()

	if rejected {
		obs.Registry().PriceRejections.WithLabelValues(chain, token).Inc()
		m.logger.Debug("price update rejected by cross validation",
			slog.String("chain", chain), slog.String("token", token), slog.Int("source", sourceIndex))
		return
	}
	obs.Registry().PriceEvents.WithLabelValues(chain, token).Inc()

	if m.sink != nil {
		m.sink.SetPriceUSD(token, priceUSD, now)
	}
	if m.onAccept != nil {
		m.onAccept()
	}
	if m.outCh != nil {
		update := PriceUpdate{Chain: chain, Token: token, PriceUSD: priceUSD, ObservedAt: now, SourceIndex: sourceIndex}
		select {
		case m.outCh <- update:
		default:
			m.logger.Warn("scan channel full, dropping price update", slog.String("chain", chain), slog.String("token", token))
		}
	}
}

func relativeDeviation(a, b float64) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(b)
}
