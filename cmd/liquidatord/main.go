package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"liquidator/internal/audit"
	"liquidator/internal/chain"
	"liquidator/internal/config"
	"liquidator/internal/controlplane"
	"liquidator/internal/executor"
	"liquidator/internal/obs"
	"liquidator/internal/pricefeed"
	"liquidator/internal/prioritizer"
	"liquidator/internal/protocol"
	"liquidator/internal/protocol/aave"
	"liquidator/internal/protocol/compoundv3"
	"liquidator/internal/protocol/venus"
	"liquidator/internal/registry"
	"liquidator/internal/scanner"
	"liquidator/internal/swaprouter"
	"liquidator/internal/webhook"
)

// scanChannelCapacity bounds the price-update channel; when full the
// subscriber drops and the periodic sweep catches up.
const scanChannelCapacity = 1000

// auditRetentionDays bounds the execution audit database.
const auditRetentionDays = 30

func main() {
	if err := run(); err != nil {
		log.Fatalf("liquidatord: %v", err)
	}
}

func run() error {
	var chainsPath, auditPath, registryPath string
	flag.StringVar(&chainsPath, "chains", "config/chains.yaml", "path to chain constants file")
	flag.StringVar(&auditPath, "audit-db", "liquidatord.sqlite", "path to the execution audit database")
	flag.StringVar(&registryPath, "registry", "borrowers.yaml", "path to the persisted borrower registry")
	flag.Parse()

	env := os.Getenv("LIQUIDATOR_ENV")
	logger := obs.SetupLogging("liquidatord", env)

	cfg, err := config.Load(chainsPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded", slog.Int("chains", len(cfg.Chains)), slog.Bool("dry_run", cfg.Env.DryRun))

	recorder, err := audit.Open(auditPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer recorder.Close()

	notifier := webhook.New(cfg.Env.DiscordWebhook, logger)
	plane := controlplane.New(controlplane.Options{
		Logger:   logger,
		Notifier: notifier,
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(stopCtx)
	defer cancel()

	priceMaxAge := time.Duration(cfg.Env.PriceCacheMS) * time.Millisecond

	states := make(map[string]*chain.State)
	adapters := make(map[string]map[string]protocol.Adapter)
	orderedAdapters := make(map[string][]protocol.Adapter)
	routers := make(map[string]*swaprouter.Router)
	relays := make(map[string]string)
	feedManagers := make(map[string]*pricefeed.Manager)
	var regSources []registry.ChainSource

	scanCh := make(chan pricefeed.PriceUpdate, scanChannelCapacity)

	for name, rt := range cfg.Chains {
		pool, err := chain.NewPool(name, rt.RPCURLs, logger)
		if err != nil {
			// Per the error policy, an unreachable chain is skipped, not
			// fatal; the rest keep running.
			logger.Error("skipping chain: no reachable endpoint",
				slog.String("chain", name), slog.String("error", err.Error()))
			continue
		}

		liquidatorAddr, _ := chain.ParseLiquidatorAddress(rt.Liquidator)
		state, err := chain.New(name, rt.Constants.ChainID, pool, cfg.Env.PrivateKey, liquidatorAddr, rt.Constants.NativePriceUSD, rt.Constants.GasLimit)
		if err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
		states[name] = state
		if rt.Constants.PrivateRelay != "" {
			relays[name] = rt.Constants.PrivateRelay
		}

		backend := protocol.PoolBackend{Pool: pool}
		prices := freshPrices{state: state, maxAge: priceMaxAge}

		byProtocol := make(map[string]protocol.Adapter)
		var ordered []protocol.Adapter
		var targets []registry.DiscoveryTarget

		if rt.Constants.AavePool != "" {
			adapter := aave.New(name,
				common.HexToAddress(rt.Constants.AavePool),
				common.HexToAddress(rt.Constants.AaveDataProvider),
				backend, prices, logger)
			byProtocol[adapter.Name()] = adapter
			ordered = append(ordered, adapter)
			targets = append(targets, registry.DiscoveryTarget{
				Spec: registry.AaveSpec, Address: common.HexToAddress(rt.Constants.AavePool),
			})
		}
		if len(rt.Constants.CompoundComets) > 0 {
			var markets []*compoundv3.Adapter
			for market, comet := range rt.Constants.CompoundComets {
				markets = append(markets, compoundv3.New(name, market, common.HexToAddress(comet), backend, logger))
				targets = append(targets, registry.DiscoveryTarget{
					Spec: registry.CompoundV3Spec, Address: common.HexToAddress(comet),
				})
			}
			group := compoundv3.NewGroup(markets...)
			byProtocol[group.Name()] = group
			ordered = append(ordered, group)
		}
		if rt.Constants.VenusComptroller != "" {
			adapter := venus.New(name, common.HexToAddress(rt.Constants.VenusComptroller), backend, logger)
			byProtocol[adapter.Name()] = adapter
			ordered = append(ordered, adapter)
			targets = append(targets, registry.DiscoveryTarget{
				Spec: registry.VenusSpec, Address: common.HexToAddress(rt.Constants.VenusComptroller),
			})
		}
		adapters[name] = byProtocol
		orderedAdapters[name] = ordered
		regSources = append(regSources, registry.ChainSource{
			Chain:   name,
			Client:  poolFilterer{pool: pool},
			Targets: targets,
		})

		routers[name] = swaprouter.New([]swaprouter.Source{
			swaprouter.NewOneInch(cfg.Env.OneInchAPIKey),
			swaprouter.NewParaswap(),
			swaprouter.NewOnchainQuoter(
				common.HexToAddress(rt.Constants.UniswapQuoter),
				intermediateTokens(rt.Constants),
				backend),
		}, logger)

		if len(rt.WSURLs) > 0 && len(rt.Constants.PriceFeeds) > 0 {
			feedTokens := make(map[common.Address]string, len(rt.Constants.PriceFeeds))
			for symbol, feed := range rt.Constants.PriceFeeds {
				feedTokens[common.HexToAddress(feed)] = symbol
			}
			stats := plane.Stats()
			feedManagers[name] = pricefeed.New(name, rt.WSURLs, feedTokens, state, scanCh,
				func() { stats.AddEvents(1) }, len(rt.WSURLs), logger)
		}
	}
	if len(states) == 0 {
		return fmt.Errorf("no chain reachable")
	}

	regManager, err := registry.NewManager(registryPath, regSources, logger)
	if err != nil {
		return fmt.Errorf("load borrower registry: %w", err)
	}
	if err := regManager.Bootstrap(runCtx); err != nil {
		logger.Error("registry bootstrap failed", slog.String("error", err.Error()))
	}

	exec := executor.New(executor.Options{
		States:          states,
		Adapters:        adapters,
		Swaps:           chainRouters(routers),
		Plane:           plane,
		Audit:           recorder,
		Notifier:        notifier,
		Relays:          relays,
		MinProfitUSD:    cfg.Env.MinProfitUSD,
		MevThresholdUSD: cfg.Env.MevThresholdUSD,
		DryRun:          cfg.Env.DryRun,
		Logger:          logger,
	})
	prior := prioritizer.New(cfg.Env.MinProfitUSD, plane, exec, logger)
	scan := scanner.New(regManager.Registry(), orderedAdapters, prior, plane.Stats(), logger)

	var wg sync.WaitGroup
	runTask := func(task func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task(runCtx)
		}()
	}

	for _, state := range states {
		runTask(state.Pool.RunHealthChecks)
	}
	for _, mgr := range feedManagers {
		runTask(mgr.Run)
	}
	runTask(regManager.RunIncremental)
	runTask(func(ctx context.Context) { scan.Run(ctx, scanCh) })
	runTask(plane.Run)

	// Calendar-aligned housekeeping: nightly audit retention, distinct from
	// the fast fixed-cadence tickers the pipeline itself runs on.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("0 3 * * *", func() {
		pruneCtx, cancelPrune := context.WithTimeout(runCtx, time.Minute)
		defer cancelPrune()
		removed, err := recorder.PruneBefore(pruneCtx, time.Now().AddDate(0, 0, -auditRetentionDays))
		if err != nil {
			logger.Warn("audit prune failed", slog.String("error", err.Error()))
			return
		}
		if removed > 0 {
			logger.Info("pruned audit attempts", slog.Int64("removed", removed))
		}
	}); err != nil {
		return fmt.Errorf("schedule audit prune: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Env.HealthPort),
		Handler:      newHealthRouter(plane),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("health server listening", slog.String("addr", server.Addr))
		errs <- server.ListenAndServe()
	}()

	shutdown := func() error {
		plane.Shutdown()
		cancel()
		wg.Wait()
		if err := regManager.Persist(); err != nil {
			logger.Error("failed to persist registry on shutdown", slog.String("error", err.Error()))
		}
		for _, state := range states {
			state.Pool.Close()
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	}

	select {
	case <-stopCtx.Done():
		logger.Info("shutdown signal received")
		return shutdown()
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			_ = shutdown()
			return err
		}
		return shutdown()
	}
}

// poolFilterer routes registry discovery reads through the pool's failover,
// recording outcomes so the health scoring sees discovery traffic too.
type poolFilterer struct {
	pool *chain.Pool
}

func (p poolFilterer) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	client, _ := p.pool.HealthyProvider()
	if client == nil {
		p.pool.RecordFailure()
		return nil, protocol.ErrNoClient
	}
	start := time.Now()
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		p.pool.RecordFailure()
		return nil, err
	}
	p.pool.RecordSuccess(time.Since(start))
	return logs, nil
}

func (p poolFilterer) BlockNumber(ctx context.Context) (uint64, error) {
	client, _ := p.pool.HealthyProvider()
	if client == nil {
		p.pool.RecordFailure()
		return 0, protocol.ErrNoClient
	}
	start := time.Now()
	head, err := client.BlockNumber(ctx)
	if err != nil {
		p.pool.RecordFailure()
		return 0, err
	}
	p.pool.RecordSuccess(time.Since(start))
	return head, nil
}

// freshPrices wraps a chain state's price cache with the configured
// staleness bound: entries older than PRICE_CACHE_MS read as absent.
type freshPrices struct {
	state  *chain.State
	maxAge time.Duration
}

func (f freshPrices) PriceUSD(token string) (chain.PriceEntry, bool) {
	entry, ok := f.state.PriceUSD(token)
	if !ok {
		return chain.PriceEntry{}, false
	}
	if f.maxAge > 0 && time.Since(entry.ObservedAt) > f.maxAge {
		return chain.PriceEntry{}, false
	}
	return entry, true
}

// chainRouters dispatches swap validation to the requested chain's router.
type chainRouters map[string]*swaprouter.Router

func (c chainRouters) ValidateLiquidation(ctx context.Context, req swaprouter.QuoteRequest, collateralAmount *big.Int, bonusBps uint64, debtToCover *big.Int) (bool, error) {
	router, ok := c[req.Chain]
	if !ok {
		return false, swaprouter.ErrNoSource
	}
	return router.ValidateLiquidation(ctx, req, collateralAmount, bonusBps, debtToCover)
}

func intermediateTokens(constants config.ChainConstants) []common.Address {
	tokens := make([]common.Address, 0, 1+len(constants.Stablecoins))
	if constants.WrappedNative != "" {
		tokens = append(tokens, common.HexToAddress(constants.WrappedNative))
	}
	for _, stable := range constants.Stablecoins {
		tokens = append(tokens, common.HexToAddress(stable))
	}
	return tokens
}

func newHealthRouter(plane *controlplane.ControlPlane) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", healthHandler(plane))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func healthHandler(plane *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := plane.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if stats.CircuitBreakerOpen {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(stats)
	}
}
