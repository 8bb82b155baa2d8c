package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// liquidationMethodSignature is the liquidator contract's sole entry point,
// per spec.md §6: executeLiquidation(address,address,address,uint256).
const liquidationMethodSignature = "executeLiquidation(address,address,address,uint256)"

var liquidationArguments abi.Arguments

func init() {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	liquidationArguments = abi.Arguments{
		{Type: addressType},
		{Type: addressType},
		{Type: addressType},
		{Type: uint256Type},
	}
}

// EncodeLiquidationCall builds the calldata for executeLiquidation(user,
// collateralAsset, debtAsset, debtToCover): a 4-byte Keccak256 selector
// followed by the ABI-encoded arguments.
func EncodeLiquidationCall(user, collateralAsset, debtAsset common.Address, debtToCover *big.Int) ([]byte, error) {
	packed, err := liquidationArguments.Pack(user, collateralAsset, debtAsset, debtToCover)
	if err != nil {
		return nil, fmt.Errorf("pack liquidation call: %w", err)
	}
	selector := crypto.Keccak256([]byte(liquidationMethodSignature))[:4]
	return append(selector, packed...), nil
}

// SubmissionResult is what the caller needs after a transaction is sent:
// the hash to poll for a receipt, and the submission time used to enforce
// the 60/120 s optimistic timeout in spec.md §7.
type SubmissionResult struct {
	TxHash      common.Hash
	SubmittedAt time.Time
}

// SignLiquidation builds and signs an executeLiquidation transaction against
// state's configured liquidator contract, consuming one nonce from state's
// counter. A zero gasLimit falls back to the chain's configured limit. The
// caller decides how the signed transaction is broadcast — public pool or
// private relay — so signing performs no RPC calls at all.
func SignLiquidation(state *State, user, collateralAsset, debtAsset common.Address, debtToCover *big.Int, gasPrice *big.Int, gasLimit uint64, nonceSeed uint64) (*types.Transaction, error) {
	if state.Liquidator == (common.Address{}) {
		return nil, fmt.Errorf("chain %s: no liquidator contract configured", state.Name)
	}
	data, err := EncodeLiquidationCall(user, collateralAsset, debtAsset, debtToCover)
	if err != nil {
		return nil, err
	}
	if gasLimit == 0 {
		gasLimit = state.GasLimit
	}

	signer, _ := state.Signer()
	nonce := state.NextNonce(nonceSeed)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &state.Liquidator,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	chainSigner := types.LatestSignerForChainID(big.NewInt(state.ChainID))
	signedTx, err := types.SignTx(tx, chainSigner, signer)
	if err != nil {
		return nil, fmt.Errorf("sign liquidation tx: %w", err)
	}
	return signedTx, nil
}

// SubmitLiquidation signs and broadcasts an executeLiquidation transaction
// through the given client, resetting the nonce counter on a send failure so
// the next attempt reseeds from the chain.
func SubmitLiquidation(ctx context.Context, client TxSender, state *State, user, collateralAsset, debtAsset common.Address, debtToCover *big.Int, gasPrice *big.Int, gasLimit uint64, nonceSeed uint64) (SubmissionResult, error) {
	signedTx, err := SignLiquidation(state, user, collateralAsset, debtAsset, debtToCover, gasPrice, gasLimit, nonceSeed)
	if err != nil {
		return SubmissionResult{}, err
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		state.ResetNonce()
		return SubmissionResult{}, fmt.Errorf("send liquidation tx: %w", err)
	}
	return SubmissionResult{TxHash: signedTx.Hash(), SubmittedAt: time.Now()}, nil
}

// TxSender is the narrow client surface SubmitLiquidation needs, matching
// the fake-the-narrow-interface testing pattern used throughout the pack
// (e.g. services/lending/server/test_fakes.go).
type TxSender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ParseLiquidatorAddress normalises a configured liquidator address string,
// returning the zero address (and ok=false) when unset.
func ParseLiquidatorAddress(raw string) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}
