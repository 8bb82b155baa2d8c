package executor

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidator/internal/audit"
	"liquidator/internal/chain"
	"liquidator/internal/controlplane"
	"liquidator/internal/obs"
	"liquidator/internal/protocol"
	"liquidator/internal/swaprouter"
	"liquidator/internal/webhook"
)

// Execution constants per spec.md §4.8: 9 bps flash-loan fee, a 1.2 gas
// safety factor, and the standard/relay receipt timeouts.
const (
	flashFeeRate      = 0.0009
	gasSafetyNum      = 12
	gasSafetyDen      = 10
	receiptTimeout    = 60 * time.Second
	relayTimeout      = 120 * time.Second
	receiptPollPeriod = 2 * time.Second
)

// defaultCloseFactor applies where the protocol exposes no on-chain close
// factor (Aave, Compound V3).
const defaultCloseFactor = 0.5

// EthBackend is the client surface one execution needs; satisfied by
// *ethclient.Client.
type EthBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SwapValidator is the router surface the executor validates exits through;
// satisfied by *swaprouter.Router.
type SwapValidator interface {
	ValidateLiquidation(ctx context.Context, req swaprouter.QuoteRequest, collateralAmount *big.Int, bonusBps uint64, debtToCover *big.Int) (bool, error)
}

// closeFactorProvider is implemented by adapters that carry an on-chain
// close factor (Venus).
type closeFactorProvider interface {
	CloseFactor() float64
}

// Options wires an Executor.
type Options struct {
	States          map[string]*chain.State
	Adapters        map[string]map[string]protocol.Adapter
	Swaps           SwapValidator
	Plane           *controlplane.ControlPlane
	Audit           *audit.Recorder
	Notifier        *webhook.Notifier
	Relays          map[string]string
	MinProfitUSD    float64
	MevThresholdUSD float64
	DryRun          bool
	Logger          *slog.Logger

	// ClientFor overrides the per-chain client lookup; tests inject fakes
	// here. Nil selects the chain's RPC pool.
	ClientFor func(chainName string) EthBackend
}

// Executor simulates profitability, validates the swap exit and submits the
// liquidation transaction, per spec.md §4.8 and §4.11.
type Executor struct {
	states          map[string]*chain.State
	adapters        map[string]map[string]protocol.Adapter
	swaps           SwapValidator
	plane           *controlplane.ControlPlane
	audit           *audit.Recorder
	notifier        *webhook.Notifier
	relays          map[string]string
	minProfitUSD    float64
	mevThresholdUSD float64
	dryRun          bool
	logger          *slog.Logger
	clientFor       func(chainName string) EthBackend
	relay           *RelayClient
}

// New constructs an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		states:          opts.States,
		adapters:        opts.Adapters,
		swaps:           opts.Swaps,
		plane:           opts.Plane,
		audit:           opts.Audit,
		notifier:        opts.Notifier,
		relays:          opts.Relays,
		minProfitUSD:    opts.MinProfitUSD,
		mevThresholdUSD: opts.MevThresholdUSD,
		dryRun:          opts.DryRun,
		logger:          logger,
		clientFor:       opts.ClientFor,
		relay:           NewRelayClient(),
	}
	if e.clientFor == nil {
		e.clientFor = func(chainName string) EthBackend {
			state, ok := e.states[chainName]
			if !ok || state.Pool == nil {
				return nil
			}
			client, _ := state.Pool.HealthyProvider()
			if client == nil {
				return nil
			}
			return client
		}
	}
	return e
}

// Execute runs one candidate end to end: re-check, profit simulation, swap
// validation, submission. It never returns an error — every failure mode is
// a counted, audited local outcome per spec.md §7.
func (e *Executor) Execute(ctx context.Context, pos protocol.Position) {
	logger := e.logger.With(
		slog.String("chain", pos.Chain),
		slog.String("protocol", pos.Protocol),
		slog.String("user", pos.User.Hex()))

	state, ok := e.states[pos.Chain]
	if !ok {
		logger.Error("no chain state configured")
		return
	}
	adapter := e.adapterFor(pos.Chain, pos.Protocol)
	if adapter == nil {
		logger.Error("no adapter configured")
		return
	}
	client := e.clientFor(pos.Chain)
	if client == nil {
		logger.Warn("no usable client, skipping candidate")
		return
	}

	// Re-check against the live chain before committing anything: a
	// recovered position means a competitor (or the borrower) got there
	// first.
	opp, err := adapter.Detail(ctx, pos.User)
	if err != nil {
		logger.Warn("detail re-fetch failed", slog.String("error", err.Error()))
		return
	}
	if !opp.Liquidatable {
		e.plane.Stats().AddCompetitorBeats(1)
		obs.Registry().CompetitorBeats.Inc()
		e.record(ctx, opp, audit.OutcomeCompetitorBeat, 0, 0, "", "position recovered before submission")
		logger.Info("beaten by competitor, aborting", slog.Float64("health_factor", opp.HealthFactor))
		return
	}
	if opp.BestDebt.Balance == nil || opp.BestDebt.Balance.Sign() == 0 || opp.BestCollateral.Balance == nil {
		logger.Warn("opportunity missing asset balances, skipping")
		return
	}

	closeFactor := defaultCloseFactor
	if provider, ok := adapter.(closeFactorProvider); ok && provider.CloseFactor() > 0 {
		closeFactor = provider.CloseFactor()
	}

	debtToCoverUSD := opp.BestDebt.USD * closeFactor
	collateralReceivedUSD := debtToCoverUSD * (1 + float64(opp.BonusBps)/10_000)
	grossProfit := collateralReceivedUSD - debtToCoverUSD
	flashFee := debtToCoverUSD * flashFeeRate

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		logger.Warn("gas price fetch failed", slog.String("error", err.Error()))
		return
	}
	gasCostUSD := computeGasCostUSD(state.GasLimit, gasPrice, state.NativePriceUSD)
	netProfit := grossProfit - flashFee - gasCostUSD

	if netProfit < e.minProfitUSD {
		e.plane.Stats().AddSkippedUnprofitable(1)
		obs.Registry().SkippedUnprofit.Inc()
		e.record(ctx, opp, audit.OutcomeSkippedUnprofit, netProfit, gasCostUSD, "", "net profit below floor")
		logger.Info("unprofitable, skipping",
			slog.Float64("net_profit_usd", netProfit), slog.Float64("gas_cost_usd", gasCostUSD))
		return
	}

	debtToCoverWei := mulByFloat(opp.BestDebt.Balance, closeFactor)
	collateralIn := collateralForDebt(opp.BestCollateral, debtToCoverUSD)

	viable, err := e.swaps.ValidateLiquidation(ctx, swaprouter.QuoteRequest{
		Chain:    pos.Chain,
		ChainID:  state.ChainID,
		TokenIn:  opp.BestCollateral.Token,
		TokenOut: opp.BestDebt.Token,
	}, collateralIn, opp.BonusBps, debtToCoverWei)
	if err != nil || !viable {
		e.plane.Stats().AddSkippedUnprofitable(1)
		obs.Registry().SkippedUnprofit.Inc()
		reason := "no swap path covers the debt"
		if err != nil {
			reason = "swap validation failed: " + err.Error()
		}
		e.record(ctx, opp, audit.OutcomeSkippedUnprofit, netProfit, gasCostUSD, "", reason)
		logger.Info("swap validation failed, skipping", slog.String("reason", reason))
		return
	}

	if e.dryRun {
		e.plane.Stats().AddAttempted(1)
		obs.Registry().Attempted.Inc()
		e.record(ctx, opp, audit.OutcomeDispatched, netProfit, gasCostUSD, "", "dry run")
		logger.Info("dry run: would submit liquidation",
			slog.String("collateral", opp.BestCollateral.Token.Hex()),
			slog.String("debt", opp.BestDebt.Token.Hex()),
			slog.Float64("net_profit_usd", netProfit))
		return
	}

	gasLimit := e.estimateGas(ctx, client, state, opp, debtToCoverWei, logger)
	_, signerAddr := state.Signer()
	nonceSeed, err := client.PendingNonceAt(ctx, signerAddr)
	if err != nil {
		logger.Warn("nonce seed fetch failed", slog.String("error", err.Error()))
		return
	}

	signedTx, err := chain.SignLiquidation(state, opp.User, opp.BestCollateral.Token, opp.BestDebt.Token, debtToCoverWei, gasPrice, gasLimit, nonceSeed)
	if err != nil {
		logger.Error("sign failed", slog.String("error", err.Error()))
		return
	}

	e.plane.Stats().AddAttempted(1)
	obs.Registry().Attempted.Inc()

	mode, timeout := e.submit(ctx, client, state, opp, signedTx, logger)
	if mode == "" {
		// Submission itself failed on every path.
		e.plane.Stats().AddFailed(1)
		obs.Registry().Failed.Inc()
		e.plane.RecordSubmissionFailure(ctx)
		e.record(ctx, opp, audit.OutcomeReverted, netProfit, gasCostUSD, signedTx.Hash().Hex(), "send failed")
		return
	}

	e.awaitReceipt(ctx, client, opp, signedTx.Hash(), netProfit, gasCostUSD, mode, timeout, logger)
}

func (e *Executor) adapterFor(chainName, protocolName string) protocol.Adapter {
	byProtocol, ok := e.adapters[strings.ToLower(chainName)]
	if !ok {
		return nil
	}
	return byProtocol[strings.ToLower(protocolName)]
}

// submit broadcasts the signed transaction, preferring the chain's private
// relay for debt at or above the MEV threshold and falling back to the
// public pool on any relay error, per spec.md §4.8. It returns the mode used
// and the receipt timeout for that mode, or "" when every path failed.
func (e *Executor) submit(ctx context.Context, client EthBackend, state *chain.State, opp protocol.Opportunity, signedTx *types.Transaction, logger *slog.Logger) (string, time.Duration) {
	relayURL := e.relays[opp.Chain]
	if opp.DebtUSD >= e.mevThresholdUSD && relayURL != "" {
		start := time.Now()
		if err := e.relay.Submit(ctx, relayURL, signedTx); err == nil {
			obs.Registry().SubmitLatency.WithLabelValues("relay").Observe(time.Since(start).Seconds())
			logger.Info("submitted via private relay", slog.String("tx", signedTx.Hash().Hex()))
			return "relay", relayTimeout
		} else {
			logger.Warn("private relay failed, falling back to public pool", slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		state.ResetNonce()
		logger.Error("public submission failed", slog.String("error", err.Error()))
		return "", 0
	}
	obs.Registry().SubmitLatency.WithLabelValues("standard").Observe(time.Since(start).Seconds())
	logger.Info("submitted via public pool", slog.String("tx", signedTx.Hash().Hex()))
	return "standard", receiptTimeout
}

// awaitReceipt polls for the receipt until the mode's timeout. Status 1 is a
// success; status 0 a revert; a timeout is treated optimistically — the hash
// stands and nothing feeds the circuit breaker, per spec.md §7.
func (e *Executor) awaitReceipt(ctx context.Context, client EthBackend, opp protocol.Opportunity, txHash common.Hash, netProfit, gasCostUSD float64, mode string, timeout time.Duration, logger *slog.Logger) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				e.plane.Stats().AddLiquidations(1)
				obs.Registry().Liquidations.Inc()
				e.plane.RecordSubmissionSuccess()
				e.record(ctx, opp, audit.OutcomeSucceeded, netProfit, gasCostUSD, txHash.Hex(), mode)
				e.notifier.LiquidationResult(ctx, opp.Chain, opp.Protocol, opp.User.Hex(), netProfit, true, txHash.Hex())
				logger.Info("liquidation confirmed", slog.String("tx", txHash.Hex()))
			} else {
				e.plane.Stats().AddFailed(1)
				obs.Registry().Failed.Inc()
				e.plane.RecordSubmissionFailure(ctx)
				e.record(ctx, opp, audit.OutcomeReverted, netProfit, gasCostUSD, txHash.Hex(), mode)
				e.notifier.LiquidationResult(ctx, opp.Chain, opp.Protocol, opp.User.Hex(), netProfit, false, txHash.Hex())
				logger.Warn("liquidation reverted", slog.String("tx", txHash.Hex()))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(receiptPollPeriod):
		}
	}
	e.record(ctx, opp, audit.OutcomeDispatched, netProfit, gasCostUSD, txHash.Hex(), mode+" receipt timeout")
	logger.Info("receipt timed out, treating optimistically", slog.String("tx", txHash.Hex()))
}

func (e *Executor) estimateGas(ctx context.Context, client EthBackend, state *chain.State, opp protocol.Opportunity, debtToCoverWei *big.Int, logger *slog.Logger) uint64 {
	data, err := chain.EncodeLiquidationCall(opp.User, opp.BestCollateral.Token, opp.BestDebt.Token, debtToCoverWei)
	if err != nil {
		return state.GasLimit
	}
	_, signerAddr := state.Signer()
	liquidator := state.Liquidator
	estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{From: signerAddr, To: &liquidator, Data: data})
	if err != nil {
		logger.Warn("gas estimation failed, using configured limit", slog.String("error", err.Error()))
		return state.GasLimit
	}
	return estimated * gasSafetyNum / gasSafetyDen
}

func (e *Executor) record(ctx context.Context, opp protocol.Opportunity, outcome audit.Outcome, profitUSD, gasCostUSD float64, txHash, reason string) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, audit.Attempt{
		Chain:      opp.Chain,
		Protocol:   opp.Protocol,
		User:       opp.User.Hex(),
		Outcome:    outcome,
		ProfitUSD:  profitUSD,
		GasCostUSD: gasCostUSD,
		TxHash:     txHash,
		Reason:     reason,
	})
	if err != nil {
		e.logger.Warn("audit write failed", slog.String("error", err.Error()))
	}
}

// computeGasCostUSD computes gasLimit × gasPrice converted to the native token and
// priced with the configured fallback, the slot a live native price can be
// substituted into without changing this signature.
func computeGasCostUSD(gasLimit uint64, gasPrice *big.Int, nativePriceUSD float64) float64 {
	if gasPrice == nil {
		return 0
	}
	weiCost := new(big.Float).Mul(new(big.Float).SetUint64(gasLimit), new(big.Float).SetInt(gasPrice))
	ethCost, _ := new(big.Float).Quo(weiCost, big.NewFloat(1e18)).Float64()
	return ethCost * nativePriceUSD
}

// mulByFloat scales an integer amount by a fractional factor, truncating.
func mulByFloat(amount *big.Int, factor float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(amount), big.NewFloat(factor))
	out, _ := scaled.Int(nil)
	return out
}

// collateralForDebt sizes the collateral input for swap validation: the
// slice of the best collateral balance worth debtToCoverUSD, capped at the
// full balance.
func collateralForDebt(collateral protocol.Asset, debtToCoverUSD float64) *big.Int {
	if collateral.Balance == nil || collateral.USD <= 0 {
		return big.NewInt(0)
	}
	fraction := debtToCoverUSD / collateral.USD
	if fraction > 1 {
		fraction = 1
	}
	return mulByFloat(collateral.Balance, fraction)
}
