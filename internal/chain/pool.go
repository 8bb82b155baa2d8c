package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"liquidator/internal/obs"
)

// healthCheckInterval and healthCheckTimeout implement the periodic liveness
// sweep described in spec.md §4.1.
const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// Pool is the RPC Pool of spec.md §4.1: an ordered set of Endpoints for one
// chain plus the index of the currently active one. Rotation is driven only
// by callers reporting outcomes through RecordSuccess/RecordFailure; the
// pool never rotates on its own, and the periodic health check only updates
// each endpoint's health flag.
type Pool struct {
	chain     string
	endpoints []*Endpoint
	clients   []*ethclient.Client

	mu     sync.Mutex
	active int

	logger *slog.Logger
}

// NewPool dials every configured URL and returns a Pool. A URL that fails to
// dial still gets an Endpoint entry (marked unhealthy) so indices stay
// aligned with clients; per spec.md §7 "chain connect error", the caller
// decides whether to skip the chain entirely when every dial fails.
func NewPool(chainName string, urls []string, logger *slog.Logger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := &Pool{chain: chainName, logger: logger}
	dialed := 0
	for _, url := range urls {
		endpoint := NewEndpoint(url)
		client, err := ethclient.Dial(url)
		if err != nil {
			logger.Warn("rpc dial failed", slog.String("chain", chainName), slog.String("endpoint", obs.MaskURL(url)), slog.String("error", err.Error()))
			endpoint.ForceHealthy()
			endpoint.RecordFailure()
			endpoint.RecordFailure()
			endpoint.RecordFailure()
			pool.endpoints = append(pool.endpoints, endpoint)
			pool.clients = append(pool.clients, nil)
			continue
		}
		dialed++
		pool.endpoints = append(pool.endpoints, endpoint)
		pool.clients = append(pool.clients, client)
	}
	if dialed == 0 {
		return nil, fmt.Errorf("%w: chain %s", ErrDialFailed, chainName)
	}
	return pool, nil
}

// ActiveProvider returns the client and endpoint currently marked active,
// without any health check.
func (p *Pool) ActiveProvider() (*ethclient.Client, *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[p.active], p.endpoints[p.active]
}

// HealthyProvider implements spec.md §4.1's healthy_provider(): scan forward
// from the active index (mod N) for the first healthy endpoint; if the scan
// advances past the starting offset, the active index is updated atomically.
// If none is healthy, the current active endpoint is returned as a last
// resort and a warning is logged.
func (p *Pool) HealthyProvider() (*ethclient.Client, *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	for offset := 0; offset < n; offset++ {
		idx := (p.active + offset) % n
		if p.endpoints[idx].Healthy() && p.clients[idx] != nil {
			if offset != 0 {
				p.active = idx
			}
			return p.clients[p.active], p.endpoints[p.active]
		}
	}
	p.logger.Warn("no healthy rpc endpoint", slog.String("chain", p.chain))
	return p.clients[p.active], p.endpoints[p.active]
}

// RecordSuccess reports a successful call against the currently active
// endpoint.
func (p *Pool) RecordSuccess(latency time.Duration) {
	p.mu.Lock()
	endpoint := p.endpoints[p.active]
	p.mu.Unlock()
	endpoint.RecordSuccess(latency)
	obs.Registry().RPCLatency.WithLabelValues(p.chain, "call").Observe(latency.Seconds())
}

// RecordFailure reports a failed call against the currently active endpoint.
// If the failure trips the endpoint's unhealthy threshold, the pool promotes
// the next healthy endpoint via a forward scan; if none is healthy, every
// endpoint is forcibly reset to healthy (liveness override — correctness is
// restored on the next real success), per spec.md §4.1.
func (p *Pool) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoint := p.endpoints[p.active]
	obs.Registry().RPCFailures.WithLabelValues(p.chain, obs.MaskURL(endpoint.URL)).Inc()
	tripped := endpoint.RecordFailure()
	if !tripped {
		return
	}

	n := len(p.endpoints)
	for offset := 1; offset < n; offset++ {
		idx := (p.active + offset) % n
		if p.endpoints[idx].Healthy() && p.clients[idx] != nil {
			p.active = idx
			return
		}
	}

	p.logger.Warn("all rpc endpoints unhealthy, resetting pool", slog.String("chain", p.chain))
	for _, e := range p.endpoints {
		e.ForceHealthy()
	}
	p.active = 0
}

// HealthCheckAll performs the periodic liveness sweep: a lightweight
// "latest block height" read against every endpoint with a 5 s timeout,
// recording success or failure on each endpoint. It never changes the active
// index; HealthyProvider consults the updated health flags on its next call.
func (p *Pool) HealthCheckAll(ctx context.Context) {
	p.mu.Lock()
	clients := make([]*ethclient.Client, len(p.clients))
	copy(clients, p.clients)
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.Unlock()

	for i, client := range clients {
		if client == nil {
			endpoints[i].RecordFailure()
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		start := time.Now()
		_, err := client.BlockNumber(checkCtx)
		cancel()
		if err != nil {
			endpoints[i].RecordFailure()
			p.logger.Warn("rpc health check failed", slog.String("chain", p.chain), slog.String("endpoint", obs.MaskURL(endpoints[i].URL)), slog.String("error", err.Error()))
			continue
		}
		endpoints[i].RecordSuccess(time.Since(start))
	}
}

// RunHealthChecks blocks, running HealthCheckAll on healthCheckInterval until
// ctx is cancelled.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheckAll(ctx)
		}
	}
}

// Snapshots returns a point-in-time view of every endpoint, for health
// reporting.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.Unlock()

	out := make([]Snapshot, len(endpoints))
	for i, e := range endpoints {
		out[i] = e.Snapshot()
	}
	return out
}

// Close closes every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c != nil {
			c.Close()
		}
	}
}
