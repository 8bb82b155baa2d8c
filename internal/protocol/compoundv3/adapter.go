package compoundv3

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

// Comet conventions: the base token is priced with a USDC-like 1e6
// assumption, oracle prices carry 8 decimals, per spec.md §4.5.
const (
	baseTokenDecimals  = 6
	priceFeedDecimals  = 8
	liquidationBonusBp = 800 // §4.7 bonus table: Compound 8%
)

const cometABIJSON = `[
  {"name":"numAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"getAssetInfo","type":"function","stateMutability":"view","inputs":[{"name":"i","type":"uint8"}],"outputs":[
    {"name":"info","type":"tuple","components":[
      {"name":"offset","type":"uint8"},
      {"name":"asset","type":"address"},
      {"name":"priceFeed","type":"address"},
      {"name":"scale","type":"uint64"},
      {"name":"borrowCollateralFactor","type":"uint64"},
      {"name":"liquidateCollateralFactor","type":"uint64"},
      {"name":"liquidationFactor","type":"uint64"},
      {"name":"supplyCap","type":"uint128"}]}]},
  {"name":"isLiquidatable","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"borrowBalanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"collateralBalanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"uint128"}]},
  {"name":"getPrice","type":"function","stateMutability":"view","inputs":[{"name":"priceFeed","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"baseToken","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"baseTokenPriceFeed","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

var cometABI = mustABI(cometABIJSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// collateralAsset is one cached Comet collateral asset.
type collateralAsset struct {
	asset     common.Address
	priceFeed common.Address
	scale     uint64
}

type assetInfo struct {
	Offset                    uint8          `abi:"offset"`
	Asset                     common.Address `abi:"asset"`
	PriceFeed                 common.Address `abi:"priceFeed"`
	Scale                     uint64         `abi:"scale"`
	BorrowCollateralFactor    uint64         `abi:"borrowCollateralFactor"`
	LiquidateCollateralFactor uint64         `abi:"liquidateCollateralFactor"`
	LiquidationFactor         uint64         `abi:"liquidationFactor"`
	SupplyCap                 *big.Int       `abi:"supplyCap"`
}

// Adapter evaluates borrower accounts against one Comet market. A chain may
// host several markets; each gets its own Adapter, per spec.md §4.5.
type Adapter struct {
	chain     string
	market    string
	comet     common.Address
	multicall common.Address
	backend   protocol.Backend
	logger    *slog.Logger

	mu            sync.Mutex
	assets        []collateralAsset
	baseToken     common.Address
	basePriceFeed common.Address
}

// New constructs an Adapter for one Comet market.
func New(chainName, market string, comet common.Address, backend protocol.Backend, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chain:   strings.ToLower(chainName),
		market:  strings.ToLower(market),
		comet:   comet,
		backend: backend,
		logger:  logger,
	}
}

func (a *Adapter) Name() string { return "compoundv3" }

// DiscoverAssets reads numAssets() and getAssetInfo(i) for each index,
// caching the market's collateral assets plus the base token and its feed.
func (a *Adapter) DiscoverAssets(ctx context.Context) error {
	a.mu.Lock()
	done := len(a.assets) > 0
	a.mu.Unlock()
	if done {
		return nil
	}

	count, err := a.viewUint8(ctx, "numAssets")
	if err != nil {
		return fmt.Errorf("numAssets: %w", err)
	}

	assets := make([]collateralAsset, 0, count)
	for i := uint8(0); i < count; i++ {
		input, err := cometABI.Pack("getAssetInfo", i)
		if err != nil {
			return fmt.Errorf("pack getAssetInfo: %w", err)
		}
		raw, err := protocol.View(ctx, a.backend, a.comet, input)
		if err != nil {
			a.logger.Warn("skipping comet asset", slog.String("chain", a.chain),
				slog.String("market", a.market), slog.Int("index", int(i)), slog.String("error", err.Error()))
			continue
		}
		var info assetInfo
		if err := cometABI.UnpackIntoInterface(&info, "getAssetInfo", raw); err != nil {
			return fmt.Errorf("decode getAssetInfo: %w", err)
		}
		assets = append(assets, collateralAsset{asset: info.Asset, priceFeed: info.PriceFeed, scale: info.Scale})
	}

	baseToken, err := a.viewAddress(ctx, "baseToken")
	if err != nil {
		return fmt.Errorf("baseToken: %w", err)
	}
	basePriceFeed, err := a.viewAddress(ctx, "baseTokenPriceFeed")
	if err != nil {
		return fmt.Errorf("baseTokenPriceFeed: %w", err)
	}

	a.mu.Lock()
	a.assets = assets
	a.baseToken = baseToken
	a.basePriceFeed = basePriceFeed
	a.mu.Unlock()
	a.logger.Info("comet assets discovered", slog.String("chain", a.chain),
		slog.String("market", a.market), slog.Int("count", len(assets)))
	return nil
}

func (a *Adapter) viewUint8(ctx context.Context, method string) (uint8, error) {
	input, err := cometABI.Pack(method)
	if err != nil {
		return 0, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comet, input)
	if err != nil {
		return 0, err
	}
	decoded, err := cometABI.Unpack(method, raw)
	if err != nil {
		return 0, err
	}
	return decoded[0].(uint8), nil
}

func (a *Adapter) viewAddress(ctx context.Context, method string) (common.Address, error) {
	input, err := cometABI.Pack(method)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comet, input)
	if err != nil {
		return common.Address{}, err
	}
	decoded, err := cometABI.Unpack(method, raw)
	if err != nil {
		return common.Address{}, err
	}
	return decoded[0].(common.Address), nil
}

// BatchEvaluate issues aggregated isLiquidatable(user) calls in groups of
// 100, then fetches detail for the users the market reports liquidatable,
// per spec.md §4.5.
func (a *Adapter) BatchEvaluate(ctx context.Context, users []common.Address) ([]protocol.Position, error) {
	if err := a.DiscoverAssets(ctx); err != nil {
		return nil, err
	}

	positions := make([]protocol.Position, 0)
	for _, group := range protocol.GroupUsers(users) {
		calls := make([]protocol.Call, len(group))
		for i, user := range group {
			input, err := cometABI.Pack("isLiquidatable", user)
			if err != nil {
				return nil, fmt.Errorf("pack isLiquidatable: %w", err)
			}
			calls[i] = protocol.Call{Target: a.comet, CallData: input}
		}

		results, err := protocol.AggregateView(ctx, a.backend, a.multicall, calls)
		if err != nil {
			a.logger.Warn("aggregated evaluation failed, falling back to sequential",
				slog.String("chain", a.chain), slog.String("market", a.market), slog.String("error", err.Error()))
			results = a.sequentialFallback(ctx, calls)
		}

		for i, result := range results {
			if !result.Success || len(result.ReturnData) == 0 {
				continue
			}
			decoded, err := cometABI.Unpack("isLiquidatable", result.ReturnData)
			if err != nil || !decoded[0].(bool) {
				continue
			}
			opp, err := a.Detail(ctx, group[i])
			if err != nil {
				a.logger.Warn("comet detail fetch failed", slog.String("chain", a.chain),
					slog.String("user", group[i].Hex()), slog.String("error", err.Error()))
				continue
			}
			if opp.DebtUSD < protocol.MinDebtUSD {
				continue
			}
			positions = append(positions, opp.Position)
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

// Detail fetches the user's borrow balance, per-asset collateral balances
// and oracle prices from the Comet itself, per spec.md §4.5. The base token
// USD value assumes 1e6 decimals; collateral USD is balance/scale ×
// price/1e8.
func (a *Adapter) Detail(ctx context.Context, user common.Address) (protocol.Opportunity, error) {
	if err := a.DiscoverAssets(ctx); err != nil {
		return protocol.Opportunity{}, err
	}

	a.mu.Lock()
	assets := make([]collateralAsset, len(a.assets))
	copy(assets, a.assets)
	baseToken := a.baseToken
	basePriceFeed := a.basePriceFeed
	a.mu.Unlock()

	liquidatable, err := a.isLiquidatable(ctx, user)
	if err != nil {
		return protocol.Opportunity{}, err
	}

	borrowRaw, err := a.viewBig(ctx, "borrowBalanceOf", user)
	if err != nil {
		return protocol.Opportunity{}, fmt.Errorf("borrowBalanceOf: %w", err)
	}
	basePrice, err := a.getPrice(ctx, basePriceFeed)
	if err != nil {
		return protocol.Opportunity{}, fmt.Errorf("base getPrice: %w", err)
	}
	debtUSD := protocol.FromFixed(borrowRaw, baseTokenDecimals) * basePrice

	opp := protocol.Opportunity{
		Position: protocol.Position{
			User:         user,
			Chain:        a.chain,
			Protocol:     a.Name(),
			DebtUSD:      debtUSD,
			Liquidatable: liquidatable,
		},
		BestDebt: protocol.Asset{
			Token: baseToken, Symbol: strings.ToUpper(a.market), Decimals: baseTokenDecimals,
			Balance: borrowRaw, USD: debtUSD,
		},
		BonusBps: liquidationBonusBp,
	}

	totalCollateralUSD := 0.0
	for _, asset := range assets {
		input, err := cometABI.Pack("collateralBalanceOf", user, asset.asset)
		if err != nil {
			continue
		}
		raw, err := protocol.View(ctx, a.backend, a.comet, input)
		if err != nil {
			continue
		}
		decoded, err := cometABI.Unpack("collateralBalanceOf", raw)
		if err != nil {
			continue
		}
		balance := decoded[0].(*big.Int)
		if balance.Sign() == 0 {
			continue
		}
		price, err := a.getPrice(ctx, asset.priceFeed)
		if err != nil {
			continue
		}
		units, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), new(big.Float).SetUint64(asset.scale)).Float64()
		usd := units * price
		totalCollateralUSD += usd
		if usd > opp.BestCollateral.USD {
			opp.BestCollateral = protocol.Asset{Token: asset.asset, Balance: balance, USD: usd}
		}
	}
	opp.CollateralUSD = totalCollateralUSD
	if debtUSD > 0 {
		opp.HealthFactor = totalCollateralUSD / debtUSD
	}
	return opp, nil
}

func (a *Adapter) isLiquidatable(ctx context.Context, user common.Address) (bool, error) {
	input, err := cometABI.Pack("isLiquidatable", user)
	if err != nil {
		return false, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comet, input)
	if err != nil {
		return false, err
	}
	decoded, err := cometABI.Unpack("isLiquidatable", raw)
	if err != nil {
		return false, err
	}
	return decoded[0].(bool), nil
}

func (a *Adapter) viewBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	input, err := cometABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comet, input)
	if err != nil {
		return nil, err
	}
	decoded, err := cometABI.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	return decoded[0].(*big.Int), nil
}

func (a *Adapter) getPrice(ctx context.Context, feed common.Address) (float64, error) {
	input, err := cometABI.Pack("getPrice", feed)
	if err != nil {
		return 0, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comet, input)
	if err != nil {
		return 0, err
	}
	decoded, err := cometABI.Unpack("getPrice", raw)
	if err != nil {
		return 0, err
	}
	return protocol.FromFixed(decoded[0].(*big.Int), priceFeedDecimals), nil
}
