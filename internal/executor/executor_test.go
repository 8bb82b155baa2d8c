package executor

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"liquidator/internal/chain"
	"liquidator/internal/controlplane"
	"liquidator/internal/protocol"
	"liquidator/internal/swaprouter"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeAdapter struct {
	opp protocol.Opportunity
	err error
}

func (f *fakeAdapter) Name() string { return "aave" }

func (f *fakeAdapter) DiscoverAssets(context.Context) error { return nil }
func (f *fakeAdapter) BatchEvaluate(context.Context, []common.Address) ([]protocol.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) Detail(context.Context, common.Address) (protocol.Opportunity, error) {
	return f.opp, f.err
}

type fakeBackend struct {
	gasPrice      *big.Int
	receiptStatus uint64
	sendErr       error

	sendCalls int
	sentTx    *types.Transaction
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sendCalls++
	f.sentTx = tx
	return f.sendErr
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: f.receiptStatus, TxHash: txHash}, nil
}

type fakeValidator struct {
	viable bool
	err    error
	calls  int
}

func (f *fakeValidator) ValidateLiquidation(context.Context, swaprouter.QuoteRequest, *big.Int, uint64, *big.Int) (bool, error) {
	f.calls++
	return f.viable, f.err
}

func newTestState(t *testing.T) *chain.State {
	t.Helper()
	state, err := chain.New("base", 8453, nil, testKeyHex,
		common.HexToAddress("0x4444444444444444444444444444444444444444"), 3000, 1_500_000)
	require.NoError(t, err)
	return state
}

func testOpportunity(liquidatable bool, debtUSD float64) protocol.Opportunity {
	return protocol.Opportunity{
		Position: protocol.Position{
			User:         common.Address{0xaa},
			Chain:        "base",
			Protocol:     "aave",
			DebtUSD:      debtUSD,
			HealthFactor: 0.95,
			Liquidatable: liquidatable,
		},
		BestCollateral: protocol.Asset{
			Token:   common.Address{0x01},
			Balance: big.NewInt(2_000_000_000),
			USD:     debtUSD * 1.5,
		},
		BestDebt: protocol.Asset{
			Token:   common.Address{0x02},
			Balance: big.NewInt(1_000_000_000),
			USD:     debtUSD,
		},
		BonusBps: 500,
	}
}

func newTestExecutor(t *testing.T, adapter protocol.Adapter, backend EthBackend, validator SwapValidator, dryRun bool) (*Executor, *controlplane.ControlPlane) {
	t.Helper()
	plane := controlplane.New(controlplane.Options{})
	exec := New(Options{
		States:          map[string]*chain.State{"base": newTestState(t)},
		Adapters:        map[string]map[string]protocol.Adapter{"base": {"aave": adapter}},
		Swaps:           validator,
		Plane:           plane,
		MinProfitUSD:    5,
		MevThresholdUSD: 500,
		DryRun:          dryRun,
		ClientFor:       func(string) EthBackend { return backend },
	})
	return exec, plane
}

func TestExecuteCountsCompetitorBeatOnRecoveredPosition(t *testing.T) {
	adapter := &fakeAdapter{opp: testOpportunity(false, 1000)}
	backend := &fakeBackend{}
	exec, plane := newTestExecutor(t, adapter, backend, &fakeValidator{viable: true}, false)

	exec.Execute(context.Background(), adapter.opp.Position)

	snap := plane.Snapshot()
	require.Equal(t, uint64(1), snap.CompetitorBeats)
	require.Zero(t, snap.Attempted)
	require.Zero(t, backend.sendCalls, "no submission after losing the race")
}

func TestExecuteSkipsUnprofitableCandidates(t *testing.T) {
	// 200 USD debt: gross ≈ 5, gas ≈ 4.5 at 1 gwei × 3000 USD native, net
	// well below the 5 USD floor.
	adapter := &fakeAdapter{opp: testOpportunity(true, 200)}
	backend := &fakeBackend{}
	validator := &fakeValidator{viable: true}
	exec, plane := newTestExecutor(t, adapter, backend, validator, false)

	exec.Execute(context.Background(), adapter.opp.Position)

	snap := plane.Snapshot()
	require.Equal(t, uint64(1), snap.SkippedUnprofitable)
	require.Zero(t, snap.Attempted)
	require.Zero(t, validator.calls, "profit gate fails before swap validation")
	require.Zero(t, backend.sendCalls)
}

func TestExecuteSkipsWhenNoSwapPath(t *testing.T) {
	adapter := &fakeAdapter{opp: testOpportunity(true, 10_000)}
	backend := &fakeBackend{}
	exec, plane := newTestExecutor(t, adapter, backend, &fakeValidator{viable: false}, false)

	exec.Execute(context.Background(), adapter.opp.Position)

	snap := plane.Snapshot()
	require.Equal(t, uint64(1), snap.SkippedUnprofitable)
	require.Zero(t, backend.sendCalls)
}

func TestExecuteDryRunShortCircuitsBeforeSigning(t *testing.T) {
	adapter := &fakeAdapter{opp: testOpportunity(true, 10_000)}
	backend := &fakeBackend{}
	exec, plane := newTestExecutor(t, adapter, backend, &fakeValidator{viable: true}, true)

	exec.Execute(context.Background(), adapter.opp.Position)

	snap := plane.Snapshot()
	require.Equal(t, uint64(1), snap.Attempted)
	require.Zero(t, backend.sendCalls)
	require.Zero(t, snap.Failed)
}

func TestExecuteConfirmedLiquidation(t *testing.T) {
	adapter := &fakeAdapter{opp: testOpportunity(true, 10_000)}
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusSuccessful}
	exec, plane := newTestExecutor(t, adapter, backend, &fakeValidator{viable: true}, false)

	exec.Execute(context.Background(), adapter.opp.Position)

	snap := plane.Snapshot()
	require.Equal(t, uint64(1), snap.Attempted)
	require.Equal(t, uint64(1), snap.Liquidations)
	require.Equal(t, 1, backend.sendCalls)
	require.NotNil(t, backend.sentTx)
	require.Equal(t, uint64(100_000*12/10), backend.sentTx.Gas(), "estimate carries the 1.2 safety factor")
	require.False(t, plane.BreakerOpen())
}

func TestExecuteRevertFeedsCircuitBreaker(t *testing.T) {
	adapter := &fakeAdapter{opp: testOpportunity(true, 10_000)}
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusFailed}
	exec, plane := newTestExecutor(t, adapter, backend, &fakeValidator{viable: true}, false)

	exec.Execute(context.Background(), adapter.opp.Position)

	snap := plane.Snapshot()
	require.Equal(t, uint64(1), snap.Failed)
	require.Zero(t, snap.Liquidations)
}

func TestCollateralForDebtCapsAtBalance(t *testing.T) {
	asset := protocol.Asset{Balance: big.NewInt(1000), USD: 50}

	require.Equal(t, big.NewInt(500), collateralForDebt(asset, 25))
	require.Equal(t, big.NewInt(1000), collateralForDebt(asset, 500), "cannot spend more collateral than held")
	require.Zero(t, collateralForDebt(protocol.Asset{}, 25).Sign())
}
