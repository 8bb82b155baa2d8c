package aave

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/protocol"
)

// Aave V3 fixed-point conventions: account totals in base units (1e8 USD),
// health factor in wad (1e18).
const (
	baseDecimals = 8
	wadDecimals  = 18
)

const poolABIJSON = `[
  {"name":"getReservesList","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"name":"getUserAccountData","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[
    {"name":"totalCollateralBase","type":"uint256"},
    {"name":"totalDebtBase","type":"uint256"},
    {"name":"availableBorrowsBase","type":"uint256"},
    {"name":"currentLiquidationThreshold","type":"uint256"},
    {"name":"ltv","type":"uint256"},
    {"name":"healthFactor","type":"uint256"}]}
]`

const dataProviderABIJSON = `[
  {"name":"getReserveTokensAddresses","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
    {"name":"aTokenAddress","type":"address"},
    {"name":"stableDebtTokenAddress","type":"address"},
    {"name":"variableDebtTokenAddress","type":"address"}]},
  {"name":"getReserveConfigurationData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
    {"name":"decimals","type":"uint256"},
    {"name":"ltv","type":"uint256"},
    {"name":"liquidationThreshold","type":"uint256"},
    {"name":"liquidationBonus","type":"uint256"},
    {"name":"reserveFactor","type":"uint256"},
    {"name":"usageAsCollateralEnabled","type":"bool"},
    {"name":"borrowingEnabled","type":"bool"},
    {"name":"stableBorrowRateEnabled","type":"bool"},
    {"name":"isActive","type":"bool"},
    {"name":"isFrozen","type":"bool"}]},
  {"name":"getUserReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"user","type":"address"}],"outputs":[
    {"name":"currentATokenBalance","type":"uint256"},
    {"name":"currentStableDebt","type":"uint256"},
    {"name":"currentVariableDebt","type":"uint256"},
    {"name":"principalStableDebt","type":"uint256"},
    {"name":"scaledVariableDebt","type":"uint256"},
    {"name":"stableBorrowRate","type":"uint256"},
    {"name":"liquidityRate","type":"uint256"},
    {"name":"stableRateLastUpdated","type":"uint40"},
    {"name":"usageAsCollateralEnabled","type":"bool"}]}
]`

const erc20ABIJSON = `[
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	poolABI         = mustABI(poolABIJSON)
	dataProviderABI = mustABI(dataProviderABIJSON)
	erc20ABI        = mustABI(erc20ABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// reserve is the cached per-asset metadata of spec.md §4.4.
type reserve struct {
	asset    common.Address
	aToken   common.Address
	varDebt  common.Address
	decimals uint8
	bonusBps uint64
	symbol   string
}

// Adapter evaluates borrower accounts against one chain's Aave V3 pool.
type Adapter struct {
	chain        string
	pool         common.Address
	dataProvider common.Address
	multicall    common.Address
	backend      protocol.Backend
	prices       protocol.PriceSource
	logger       *slog.Logger

	mu       sync.Mutex
	reserves []reserve
}

// New constructs an Adapter for chain's pool and protocol data provider.
func New(chainName string, pool, dataProvider common.Address, backend protocol.Backend, prices protocol.PriceSource, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chain:        strings.ToLower(chainName),
		pool:         pool,
		dataProvider: dataProvider,
		backend:      backend,
		prices:       prices,
		logger:       logger,
	}
}

func (a *Adapter) Name() string { return "aave" }

// DiscoverAssets enumerates the pool's reserve list and caches per-reserve
// token addresses, decimals, liquidation bonus and symbol. Safe to call
// repeatedly; only the first successful call does work.
func (a *Adapter) DiscoverAssets(ctx context.Context) error {
	a.mu.Lock()
	done := len(a.reserves) > 0
	a.mu.Unlock()
	if done {
		return nil
	}

	input, err := poolABI.Pack("getReservesList")
	if err != nil {
		return fmt.Errorf("pack getReservesList: %w", err)
	}
	raw, err := protocol.View(ctx, a.backend, a.pool, input)
	if err != nil {
		return fmt.Errorf("getReservesList: %w", err)
	}
	decoded, err := poolABI.Unpack("getReservesList", raw)
	if err != nil {
		return fmt.Errorf("decode getReservesList: %w", err)
	}
	assets, ok := decoded[0].([]common.Address)
	if !ok {
		return fmt.Errorf("getReservesList: unexpected return shape")
	}

	reserves := make([]reserve, 0, len(assets))
	for _, asset := range assets {
		res, err := a.fetchReserve(ctx, asset)
		if err != nil {
			a.logger.Warn("skipping reserve", slog.String("chain", a.chain),
				slog.String("asset", asset.Hex()), slog.String("error", err.Error()))
			continue
		}
		reserves = append(reserves, res)
	}

	a.mu.Lock()
	a.reserves = reserves
	a.mu.Unlock()
	a.logger.Info("aave reserves discovered", slog.String("chain", a.chain), slog.Int("count", len(reserves)))
	return nil
}

func (a *Adapter) fetchReserve(ctx context.Context, asset common.Address) (reserve, error) {
	res := reserve{asset: asset}

	input, err := dataProviderABI.Pack("getReserveTokensAddresses", asset)
	if err != nil {
		return res, err
	}
	raw, err := protocol.View(ctx, a.backend, a.dataProvider, input)
	if err != nil {
		return res, err
	}
	tokens, err := dataProviderABI.Unpack("getReserveTokensAddresses", raw)
	if err != nil {
		return res, err
	}
	res.aToken = tokens[0].(common.Address)
	res.varDebt = tokens[2].(common.Address)

	input, err = dataProviderABI.Pack("getReserveConfigurationData", asset)
	if err != nil {
		return res, err
	}
	raw, err = protocol.View(ctx, a.backend, a.dataProvider, input)
	if err != nil {
		return res, err
	}
	cfg, err := dataProviderABI.Unpack("getReserveConfigurationData", raw)
	if err != nil {
		return res, err
	}
	res.decimals = uint8(cfg[0].(*big.Int).Uint64())
	// Aave encodes liquidationBonus as a percentage factor over 10000
	// (10500 = 105%); the bonus itself is the excess over par.
	rawBonus := cfg[3].(*big.Int).Uint64()
	if rawBonus > 10_000 {
		res.bonusBps = rawBonus - 10_000
	}

	input, err = erc20ABI.Pack("symbol")
	if err != nil {
		return res, err
	}
	raw, err = protocol.View(ctx, a.backend, asset, input)
	if err != nil {
		return res, err
	}
	sym, err := erc20ABI.Unpack("symbol", raw)
	if err != nil {
		return res, err
	}
	res.symbol = sym[0].(string)

	return res, nil
}

// BatchEvaluate snapshots each user via getUserAccountData, aggregated in
// groups of 100 with a sequential fallback when the aggregation itself
// fails, per spec.md §4.4.
func (a *Adapter) BatchEvaluate(ctx context.Context, users []common.Address) ([]protocol.Position, error) {
	if err := a.DiscoverAssets(ctx); err != nil {
		return nil, err
	}

	positions := make([]protocol.Position, 0, len(users))
	for _, group := range protocol.GroupUsers(users) {
		calls := make([]protocol.Call, len(group))
		for i, user := range group {
			input, err := poolABI.Pack("getUserAccountData", user)
			if err != nil {
				return nil, fmt.Errorf("pack getUserAccountData: %w", err)
			}
			calls[i] = protocol.Call{Target: a.pool, CallData: input}
		}

		results, err := protocol.AggregateView(ctx, a.backend, a.multicall, calls)
		if err != nil {
			a.logger.Warn("aggregated evaluation failed, falling back to sequential",
				slog.String("chain", a.chain), slog.String("error", err.Error()))
			results = a.sequentialFallback(ctx, calls)
		}

		for i, result := range results {
			if !result.Success || len(result.ReturnData) == 0 {
				continue
			}
			pos, ok := a.decodeAccountData(group[i], result.ReturnData)
			if ok {
				positions = append(positions, pos)
			}
		}
	}
	return positions, nil
}

func (a *Adapter) sequentialFallback(ctx context.Context, calls []protocol.Call) []protocol.Result {
	results := make([]protocol.Result, len(calls))
	for i, call := range calls {
		raw, err := protocol.View(ctx, a.backend, call.Target, call.CallData)
		if err != nil {
			continue
		}
		results[i] = protocol.Result{Success: true, ReturnData: raw}
	}
	return results
}

func (a *Adapter) decodeAccountData(user common.Address, data []byte) (protocol.Position, bool) {
	decoded, err := poolABI.Unpack("getUserAccountData", data)
	if err != nil {
		return protocol.Position{}, false
	}
	collateralUSD := protocol.FromFixed(decoded[0].(*big.Int), baseDecimals)
	debtUSD := protocol.FromFixed(decoded[1].(*big.Int), baseDecimals)
	healthFactor := protocol.FromFixed(decoded[5].(*big.Int), wadDecimals)

	if debtUSD < protocol.MinDebtUSD {
		return protocol.Position{}, false
	}
	return protocol.Position{
		User:          user,
		Chain:         a.chain,
		Protocol:      a.Name(),
		CollateralUSD: collateralUSD,
		DebtUSD:       debtUSD,
		HealthFactor:  healthFactor,
		Liquidatable:  healthFactor > 0 && healthFactor < 1,
	}, true
}

// Detail re-fetches one user's account data and per-reserve balances, joins
// them with the price cache, and selects the best collateral and debt assets
// by USD value, per spec.md §4.4.
func (a *Adapter) Detail(ctx context.Context, user common.Address) (protocol.Opportunity, error) {
	if err := a.DiscoverAssets(ctx); err != nil {
		return protocol.Opportunity{}, err
	}

	input, err := poolABI.Pack("getUserAccountData", user)
	if err != nil {
		return protocol.Opportunity{}, fmt.Errorf("pack getUserAccountData: %w", err)
	}
	raw, err := protocol.View(ctx, a.backend, a.pool, input)
	if err != nil {
		return protocol.Opportunity{}, fmt.Errorf("getUserAccountData: %w", err)
	}
	pos, ok := a.decodeAccountData(user, raw)
	if !ok {
		// Below the debt floor or undecodable; report a non-liquidatable
		// snapshot so the executor treats it as lost to a competitor.
		pos = protocol.Position{User: user, Chain: a.chain, Protocol: a.Name()}
	}
	opp := protocol.Opportunity{Position: pos}

	a.mu.Lock()
	reserves := make([]reserve, len(a.reserves))
	copy(reserves, a.reserves)
	a.mu.Unlock()

	for _, res := range reserves {
		input, err := dataProviderABI.Pack("getUserReserveData", res.asset, user)
		if err != nil {
			continue
		}
		raw, err := protocol.View(ctx, a.backend, a.dataProvider, input)
		if err != nil {
			continue
		}
		decoded, err := dataProviderABI.Unpack("getUserReserveData", raw)
		if err != nil {
			continue
		}
		aTokenBalance := decoded[0].(*big.Int)
		variableDebt := decoded[2].(*big.Int)

		entry, ok := a.prices.PriceUSD(res.symbol)
		if !ok {
			continue
		}
		collateralUSD := protocol.FromFixed(aTokenBalance, int(res.decimals)) * entry.PriceUSD
		debtUSD := protocol.FromFixed(variableDebt, int(res.decimals)) * entry.PriceUSD

		if collateralUSD > opp.BestCollateral.USD {
			opp.BestCollateral = protocol.Asset{
				Token: res.asset, Symbol: res.symbol, Decimals: res.decimals,
				Balance: aTokenBalance, USD: collateralUSD,
			}
			opp.BonusBps = res.bonusBps
		}
		if debtUSD > opp.BestDebt.USD {
			opp.BestDebt = protocol.Asset{
				Token: res.asset, Symbol: res.symbol, Decimals: res.decimals,
				Balance: variableDebt, USD: debtUSD,
			}
		}
	}
	return opp, nil
}
