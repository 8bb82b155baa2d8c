package aave

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"liquidator/internal/protocol"
)

func packAccountData(t *testing.T, collateralBase, debtBase, healthFactor *big.Int) []byte {
	t.Helper()
	out := make([]byte, 0, 6*32)
	for _, word := range []*big.Int{
		collateralBase, debtBase, big.NewInt(0), big.NewInt(0), big.NewInt(0), healthFactor,
	} {
		out = append(out, common.BigToHash(word).Bytes()...)
	}
	return out
}

func TestDecodeAccountDataMarksLiquidatableBelowOne(t *testing.T) {
	adapter := New("base", common.Address{}, common.Address{}, nil, nil, nil)

	// 5000 USD collateral, 4000 USD debt at 1e8, HF 0.95 at 1e18.
	data := packAccountData(t,
		big.NewInt(500_000_000_000),
		big.NewInt(400_000_000_000),
		big.NewInt(950_000_000_000_000_000))

	pos, ok := adapter.decodeAccountData(common.Address{0xaa}, data)
	require.True(t, ok)
	require.InDelta(t, 5000.0, pos.CollateralUSD, 1e-6)
	require.InDelta(t, 4000.0, pos.DebtUSD, 1e-6)
	require.InDelta(t, 0.95, pos.HealthFactor, 1e-9)
	require.True(t, pos.Liquidatable)
	require.Equal(t, "aave", pos.Protocol)
}

func TestDecodeAccountDataDropsDustDebt(t *testing.T) {
	adapter := New("base", common.Address{}, common.Address{}, nil, nil, nil)

	// 99 USD debt is below the evaluation floor.
	data := packAccountData(t,
		big.NewInt(500_000_000_000),
		big.NewInt(9_900_000_000),
		big.NewInt(950_000_000_000_000_000))

	_, ok := adapter.decodeAccountData(common.Address{0xaa}, data)
	require.False(t, ok)
}

func TestDecodeAccountDataHealthyPositionNotLiquidatable(t *testing.T) {
	adapter := New("base", common.Address{}, common.Address{}, nil, nil, nil)

	data := packAccountData(t,
		big.NewInt(500_000_000_000),
		big.NewInt(400_000_000_000),
		new(big.Int).Mul(big.NewInt(2), big.NewInt(1_000_000_000_000_000_000)))

	pos, ok := adapter.decodeAccountData(common.Address{0xaa}, data)
	require.True(t, ok)
	require.False(t, pos.Liquidatable)
	require.Greater(t, pos.DebtUSD, protocol.MinDebtUSD)
}
