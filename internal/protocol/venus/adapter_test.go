package venus

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func packAccountLiquidity(errCode, liquidity, shortfall *big.Int) []byte {
	out := make([]byte, 0, 3*32)
	for _, word := range []*big.Int{errCode, liquidity, shortfall} {
		out = append(out, common.BigToHash(word).Bytes()...)
	}
	return out
}

func TestDecodeAccountLiquidity(t *testing.T) {
	// 25 USD shortfall at 1e18.
	shortfallWei := new(big.Int).Mul(big.NewInt(25), big.NewInt(1_000_000_000_000_000_000))
	data := packAccountLiquidity(big.NewInt(0), big.NewInt(0), shortfallWei)

	errCode, shortfall, ok := decodeAccountLiquidity(data)
	require.True(t, ok)
	require.Zero(t, errCode)
	require.InDelta(t, 25.0, shortfall, 1e-9)
}

func TestDecodeAccountLiquidityRejectsShortData(t *testing.T) {
	_, _, ok := decodeAccountLiquidity([]byte{0x01})
	require.False(t, ok)
}
