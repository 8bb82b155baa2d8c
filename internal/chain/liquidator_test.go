package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestEncodeLiquidationCallLayout(t *testing.T) {
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	collateral := common.HexToAddress("0x2222222222222222222222222222222222222222")
	debt := common.HexToAddress("0x3333333333333333333333333333333333333333")
	amount := big.NewInt(123456)

	data, err := EncodeLiquidationCall(user, collateral, debt, amount)
	require.NoError(t, err)

	wantSelector := crypto.Keccak256([]byte("executeLiquidation(address,address,address,uint256)"))[:4]
	require.Equal(t, wantSelector, data[:4])
	require.Len(t, data, 4+4*32)
	require.Equal(t, user.Bytes(), data[4+12:4+32])
	require.Equal(t, amount.Bytes(), new(big.Int).SetBytes(data[4+3*32:]).Bytes())
}

func TestSignLiquidationConsumesNonces(t *testing.T) {
	state := newTestState(t)
	state.Liquidator = common.HexToAddress("0x4444444444444444444444444444444444444444")

	first, err := SignLiquidation(state, common.Address{1}, common.Address{2}, common.Address{3}, big.NewInt(1), big.NewInt(1_000_000_000), 0, 10)
	require.NoError(t, err)
	second, err := SignLiquidation(state, common.Address{1}, common.Address{2}, common.Address{3}, big.NewInt(1), big.NewInt(1_000_000_000), 0, 10)
	require.NoError(t, err)

	require.Equal(t, uint64(10), first.Nonce())
	require.Equal(t, uint64(11), second.Nonce())
	require.Equal(t, state.GasLimit, first.Gas(), "zero gas limit falls back to the chain's configured limit")
	require.Equal(t, state.Liquidator, *first.To())
}

func TestSignLiquidationRequiresContract(t *testing.T) {
	state := newTestState(t)

	_, err := SignLiquidation(state, common.Address{1}, common.Address{2}, common.Address{3}, big.NewInt(1), big.NewInt(1), 0, 0)
	require.Error(t, err)
}
