package protocol

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller is the read-only client surface adapters issue view calls through;
// satisfied by *ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DefaultMulticallAddress is the canonical Multicall3 deployment, shared
// across every supported chain.
var DefaultMulticallAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// multicallABI covers the single aggregation entry point used here:
// tryAggregate lets one sub-call fail without reverting the whole batch.
const multicallABI = `[{
  "name": "tryAggregate",
  "type": "function",
  "stateMutability": "payable",
  "inputs": [
    {"name": "requireSuccess", "type": "bool"},
    {"name": "calls", "type": "tuple[]", "components": [
      {"name": "target", "type": "address"},
      {"name": "callData", "type": "bytes"}
    ]}
  ],
  "outputs": [
    {"name": "returnData", "type": "tuple[]", "components": [
      {"name": "success", "type": "bool"},
      {"name": "returnData", "type": "bytes"}
    ]}
  ]
}]`

var multicall = mustParseABI(multicallABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Call is one sub-call of an aggregated view call.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Result is one sub-call's outcome.
type Result struct {
	Success    bool
	ReturnData []byte
}

type multicallCall struct {
	Target   common.Address `abi:"target"`
	CallData []byte         `abi:"callData"`
}

type multicallResult struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

// Aggregate issues one tryAggregate view call dispatching every sub-call and
// returns the per-call results in order. An error here means the aggregation
// itself failed; callers fall back to sequential per-item calls per
// spec.md §7.
func Aggregate(ctx context.Context, caller Caller, multicallAddr common.Address, calls []Call) ([]Result, error) {
	if multicallAddr == (common.Address{}) {
		multicallAddr = DefaultMulticallAddress
	}
	packed := make([]multicallCall, len(calls))
	for i, c := range calls {
		packed[i] = multicallCall{Target: c.Target, CallData: c.CallData}
	}
	input, err := multicall.Pack("tryAggregate", false, packed)
	if err != nil {
		return nil, fmt.Errorf("pack tryAggregate: %w", err)
	}

	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &multicallAddr, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("multicall: %w", err)
	}

	var decoded []multicallResult
	if err := multicall.UnpackIntoInterface(&decoded, "tryAggregate", raw); err != nil {
		return nil, fmt.Errorf("decode tryAggregate: %w", err)
	}
	out := make([]Result, len(decoded))
	for i, r := range decoded {
		out[i] = Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return out, nil
}
