package venus

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

// Venus fixed-point conventions: comptroller mantissas and shortfall amounts
// are 1e18, per spec.md §4.6.
const mantissaDecimals = 18

// minShortfallUSD is the floor below which a shortfall is not worth
// pursuing, per spec.md §4.6.
const minShortfallUSD = 10.0

const comptrollerABIJSON = `[
  {"name":"getAllMarkets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"name":"markets","type":"function","stateMutability":"view","inputs":[{"name":"vToken","type":"address"}],"outputs":[
    {"name":"isListed","type":"bool"},
    {"name":"collateralFactorMantissa","type":"uint256"},
    {"name":"isVenus","type":"bool"}]},
  {"name":"liquidationIncentiveMantissa","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"closeFactorMantissa","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getAccountLiquidity","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[
    {"name":"error","type":"uint256"},
    {"name":"liquidity","type":"uint256"},
    {"name":"shortfall","type":"uint256"}]}
]`

const vTokenABIJSON = `[
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"underlying","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"exchangeRateStored","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"borrowBalanceStored","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	comptrollerABI = mustABI(comptrollerABIJSON)
	vTokenABI      = mustABI(vTokenABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// market is one cached Venus market.
type market struct {
	vToken           common.Address
	underlying       common.Address
	symbol           string
	decimals         uint8
	collateralFactor float64
}

// Adapter evaluates borrower accounts against one chain's Venus comptroller.
type Adapter struct {
	chain       string
	comptroller common.Address
	multicall   common.Address
	backend     protocol.Backend
	logger      *slog.Logger

	mu                   sync.Mutex
	markets              []market
	liquidationIncentive float64
	closeFactor          float64
}

// New constructs an Adapter for chain's comptroller.
func New(chainName string, comptroller common.Address, backend protocol.Backend, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chain:       strings.ToLower(chainName),
		comptroller: comptroller,
		backend:     backend,
		logger:      logger,
	}
}

func (a *Adapter) Name() string { return "venus" }

// LiquidationIncentive returns the comptroller's cached incentive as a
// fraction over par (e.g. 0.10 for a 1.10e18 mantissa).
func (a *Adapter) LiquidationIncentive() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liquidationIncentive
}

// CloseFactor returns the comptroller's cached close factor (0.5 typical).
func (a *Adapter) CloseFactor() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeFactor
}

// DiscoverAssets reads the comptroller's market list and, per market, the
// collateral factor, symbol, decimals and underlying, plus the
// comptroller-wide liquidation incentive and close factor mantissas.
func (a *Adapter) DiscoverAssets(ctx context.Context) error {
	a.mu.Lock()
	done := len(a.markets) > 0
	a.mu.Unlock()
	if done {
		return nil
	}

	input, err := comptrollerABI.Pack("getAllMarkets")
	if err != nil {
		return fmt.Errorf("pack getAllMarkets: %w", err)
	}
	raw, err := protocol.View(ctx, a.backend, a.comptroller, input)
	if err != nil {
		return fmt.Errorf("getAllMarkets: %w", err)
	}
	decoded, err := comptrollerABI.Unpack("getAllMarkets", raw)
	if err != nil {
		return fmt.Errorf("decode getAllMarkets: %w", err)
	}
	vTokens, ok := decoded[0].([]common.Address)
	if !ok {
		return fmt.Errorf("getAllMarkets: unexpected return shape")
	}

	markets := make([]market, 0, len(vTokens))
	for _, vToken := range vTokens {
		m, err := a.fetchMarket(ctx, vToken)
		if err != nil {
			a.logger.Warn("skipping venus market", slog.String("chain", a.chain),
				slog.String("vtoken", vToken.Hex()), slog.String("error", err.Error()))
			continue
		}
		markets = append(markets, m)
	}

	incentive, err := a.viewMantissa(ctx, "liquidationIncentiveMantissa")
	if err != nil {
		return fmt.Errorf("liquidationIncentiveMantissa: %w", err)
	}
	closeFactor, err := a.viewMantissa(ctx, "closeFactorMantissa")
	if err != nil {
		return fmt.Errorf("closeFactorMantissa: %w", err)
	}

	a.mu.Lock()
	a.markets = markets
	// The on-chain mantissa is the full factor (1.10e18); the incentive is
	// the excess over par.
	a.liquidationIncentive = incentive - 1
	if a.liquidationIncentive < 0 {
		a.liquidationIncentive = 0
	}
	a.closeFactor = closeFactor
	a.mu.Unlock()
	a.logger.Info("venus markets discovered", slog.String("chain", a.chain), slog.Int("count", len(markets)))
	return nil
}

func (a *Adapter) fetchMarket(ctx context.Context, vToken common.Address) (market, error) {
	m := market{vToken: vToken}

	input, err := comptrollerABI.Pack("markets", vToken)
	if err != nil {
		return m, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comptroller, input)
	if err != nil {
		return m, err
	}
	decoded, err := comptrollerABI.Unpack("markets", raw)
	if err != nil {
		return m, err
	}
	m.collateralFactor = protocol.FromFixed(decoded[1].(*big.Int), mantissaDecimals)

	sym, err := a.viewVToken(ctx, vToken, "symbol")
	if err != nil {
		return m, err
	}
	m.symbol = sym[0].(string)

	dec, err := a.viewVToken(ctx, vToken, "decimals")
	if err != nil {
		return m, err
	}
	m.decimals = dec[0].(uint8)

	// The native-asset market (vBNB) has no underlying() method; treat its
	// decode failure as "no underlying" rather than dropping the market.
	if und, err := a.viewVToken(ctx, vToken, "underlying"); err == nil {
		m.underlying = und[0].(common.Address)
	}

	return m, nil
}

func (a *Adapter) viewVToken(ctx context.Context, vToken common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := vTokenABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.View(ctx, a.backend, vToken, input)
	if err != nil {
		return nil, err
	}
	return vTokenABI.Unpack(method, raw)
}

func (a *Adapter) viewMantissa(ctx context.Context, method string) (float64, error) {
	input, err := comptrollerABI.Pack(method)
	if err != nil {
		return 0, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comptroller, input)
	if err != nil {
		return 0, err
	}
	decoded, err := comptrollerABI.Unpack(method, raw)
	if err != nil {
		return 0, err
	}
	return protocol.FromFixed(decoded[0].(*big.Int), mantissaDecimals), nil
}

// BatchEvaluate issues aggregated getAccountLiquidity(user) calls in groups
// of 100 and fetches detail for (error=0, shortfall>0) users whose shortfall
// clears the pursuit floor, per spec.md §4.6.
func (a *Adapter) BatchEvaluate(ctx context.Context, users []common.Address) ([]protocol.Position, error) {
	if err := a.DiscoverAssets(ctx); err != nil {
		return nil, err
	}

	positions := make([]protocol.Position, 0)
	for _, group := range protocol.GroupUsers(users) {
		calls := make([]protocol.Call, len(group))
		for i, user := range group {
			input, err := comptrollerABI.Pack("getAccountLiquidity", user)
			if err != nil {
				return nil, fmt.Errorf("pack getAccountLiquidity: %w", err)
			}
			calls[i] = protocol.Call{Target: a.comptroller, CallData: input}
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
			errCode, shortfall, ok := decodeAccountLiquidity(result.ReturnData)
			if !ok || errCode != 0 || shortfall < minShortfallUSD {
				continue
			}
			opp, err := a.Detail(ctx, group[i])
			if err != nil {
				a.logger.Warn("venus detail fetch failed", slog.String("chain", a.chain),
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

func decodeAccountLiquidity(data []byte) (errCode uint64, shortfallUSD float64, ok bool) {
	decoded, err := comptrollerABI.Unpack("getAccountLiquidity", data)
	if err != nil {
		return 0, 0, false
	}
	return decoded[0].(*big.Int).Uint64(), protocol.FromFixed(decoded[2].(*big.Int), mantissaDecimals), true
}

// Detail fetches per-market vToken balances (converted through
// exchangeRateStored) and stored borrow balances, deriving a health-factor
// surrogate of total collateral over total borrows, per spec.md §4.6.
//
// Collateral is sized at $1 per underlying token. That is the documented
// stand-in from the design notes: correct only for stablecoins, and the slot
// where a per-market oracle read belongs.
func (a *Adapter) Detail(ctx context.Context, user common.Address) (protocol.Opportunity, error) {
	if err := a.DiscoverAssets(ctx); err != nil {
		return protocol.Opportunity{}, err
	}

	input, err := comptrollerABI.Pack("getAccountLiquidity", user)
	if err != nil {
		return protocol.Opportunity{}, err
	}
	raw, err := protocol.View(ctx, a.backend, a.comptroller, input)
	if err != nil {
		return protocol.Opportunity{}, fmt.Errorf("getAccountLiquidity: %w", err)
	}
	errCode, shortfall, ok := decodeAccountLiquidity(raw)
	if !ok {
		return protocol.Opportunity{}, fmt.Errorf("getAccountLiquidity: undecodable response")
	}
	liquidatable := errCode == 0 && shortfall > 0

	a.mu.Lock()
	markets := make([]market, len(a.markets))
	copy(markets, a.markets)
	incentiveBps := uint64(a.liquidationIncentive * 10_000)
	a.mu.Unlock()

	opp := protocol.Opportunity{
		Position: protocol.Position{
			User:         user,
			Chain:        a.chain,
			Protocol:     a.Name(),
			Liquidatable: liquidatable,
		},
		BonusBps: incentiveBps,
	}

	totalCollateralUSD := 0.0
	totalBorrowUSD := 0.0
	one := big.NewFloat(1e18)
	for _, m := range markets {
		bal, err := a.viewVToken(ctx, m.vToken, "balanceOf", user)
		if err != nil {
			continue
		}
		rate, err := a.viewVToken(ctx, m.vToken, "exchangeRateStored")
		if err != nil {
			continue
		}
		borrow, err := a.viewVToken(ctx, m.vToken, "borrowBalanceStored", user)
		if err != nil {
			continue
		}

		balance := bal[0].(*big.Int)
		exchangeRate := rate[0].(*big.Int)
		borrowBalance := borrow[0].(*big.Int)

		underlyingUnits := new(big.Float).Mul(new(big.Float).SetInt(balance), new(big.Float).SetInt(exchangeRate))
		underlyingUnits.Quo(underlyingUnits, one)
		units, _ := underlyingUnits.Float64()
		collateralUSD := units / pow10(int(m.decimals))
		borrowUSD := protocol.FromFixed(borrowBalance, int(m.decimals))

		totalCollateralUSD += collateralUSD
		totalBorrowUSD += borrowUSD

		if collateralUSD > opp.BestCollateral.USD {
			opp.BestCollateral = protocol.Asset{
				Token: m.underlying, Symbol: m.symbol, Decimals: m.decimals,
				Balance: balance, USD: collateralUSD,
			}
		}
		if borrowUSD > opp.BestDebt.USD {
			opp.BestDebt = protocol.Asset{
				Token: m.underlying, Symbol: m.symbol, Decimals: m.decimals,
				Balance: borrowBalance, USD: borrowUSD,
			}
		}
	}

	opp.CollateralUSD = totalCollateralUSD
	opp.DebtUSD = totalBorrowUSD
	if totalBorrowUSD > 0 {
		opp.HealthFactor = totalCollateralUSD / totalBorrowUSD
	}
	return opp, nil
}

func pow10(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}
