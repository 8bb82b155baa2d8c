package swaprouter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/protocol"
)

// feeTiers is the order concentrated-liquidity fee tiers are tried, per
// spec.md §4.9.
var feeTiers = []uint32{3000, 500, 10000, 100}

const quoterABIJSON = `[
  {"name":"quoteExactInputSingle","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"params","type":"tuple","components":[
      {"name":"tokenIn","type":"address"},
      {"name":"tokenOut","type":"address"},
      {"name":"amountIn","type":"uint256"},
      {"name":"fee","type":"uint24"},
      {"name":"sqrtPriceLimitX96","type":"uint160"}]}],
   "outputs":[
    {"name":"amountOut","type":"uint256"},
    {"name":"sqrtPriceX96After","type":"uint160"},
    {"name":"initializedTicksCrossed","type":"uint32"},
    {"name":"gasEstimate","type":"uint256"}]},
  {"name":"quoteExactInput","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"path","type":"bytes"},
    {"name":"amountIn","type":"uint256"}],
   "outputs":[
    {"name":"amountOut","type":"uint256"},
    {"name":"sqrtPriceX96AfterList","type":"uint160[]"},
    {"name":"initializedTicksCrossedList","type":"uint32[]"},
    {"name":"gasEstimate","type":"uint256"}]}
]`

var quoterABI = mustABI(quoterABIJSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type quoteSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

// OnchainQuoter prices swaps against a concentrated-liquidity quoter
// contract: direct pair first across the fee tiers, then two-hop routes
// through the chain's intermediate tokens (wrapped native plus canonical
// stablecoins), per spec.md §4.9.
type OnchainQuoter struct {
	quoter        common.Address
	intermediates []common.Address
	backend       protocol.Backend
}

// NewOnchainQuoter constructs the source for one chain's quoter deployment.
func NewOnchainQuoter(quoter common.Address, intermediates []common.Address, backend protocol.Backend) *OnchainQuoter {
	return &OnchainQuoter{quoter: quoter, intermediates: intermediates, backend: backend}
}

func (q *OnchainQuoter) Name() string { return "uniswapv3" }

// Quote sweeps the direct pair across fee tiers, then two-hop routes.
func (q *OnchainQuoter) Quote(ctx context.Context, req QuoteRequest) (*big.Int, error) {
	if q.quoter == (common.Address{}) {
		return nil, ErrNoQuote
	}

	for _, fee := range feeTiers {
		out, err := q.quoteSingle(ctx, req.TokenIn, req.TokenOut, req.AmountIn, fee)
		if err == nil && out.Sign() > 0 {
			return out, nil
		}
	}

	for _, mid := range q.intermediates {
		if mid == req.TokenIn || mid == req.TokenOut {
			continue
		}
		for _, feeIn := range feeTiers {
			for _, feeOut := range feeTiers {
				path := encodePath(req.TokenIn, feeIn, mid, feeOut, req.TokenOut)
				out, err := q.quotePath(ctx, path, req.AmountIn)
				if err == nil && out.Sign() > 0 {
					return out, nil
				}
			}
		}
	}
	return nil, ErrNoQuote
}

func (q *OnchainQuoter) quoteSingle(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, fee uint32) (*big.Int, error) {
	input, err := quoterABI.Pack("quoteExactInputSingle", quoteSingleParams{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		AmountIn:          amountIn,
		Fee:               big.NewInt(int64(fee)),
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("pack quoteExactInputSingle: %w", err)
	}
	raw, err := protocol.View(ctx, q.backend, q.quoter, input)
	if err != nil {
		return nil, err
	}
	decoded, err := quoterABI.Unpack("quoteExactInputSingle", raw)
	if err != nil {
		return nil, err
	}
	return decoded[0].(*big.Int), nil
}

func (q *OnchainQuoter) quotePath(ctx context.Context, path []byte, amountIn *big.Int) (*big.Int, error) {
	input, err := quoterABI.Pack("quoteExactInput", path, amountIn)
	if err != nil {
		return nil, fmt.Errorf("pack quoteExactInput: %w", err)
	}
	raw, err := protocol.View(ctx, q.backend, q.quoter, input)
	if err != nil {
		return nil, err
	}
	decoded, err := quoterABI.Unpack("quoteExactInput", raw)
	if err != nil {
		return nil, err
	}
	return decoded[0].(*big.Int), nil
}

// encodePath builds the packed token/fee/token/fee/token route encoding the
// quoter expects: 20-byte addresses interleaved with 3-byte fee tiers.
func encodePath(tokenIn common.Address, feeIn uint32, mid common.Address, feeOut uint32, tokenOut common.Address) []byte {
	path := make([]byte, 0, 20+3+20+3+20)
	path = append(path, tokenIn.Bytes()...)
	path = appendFee(path, feeIn)
	path = append(path, mid.Bytes()...)
	path = appendFee(path, feeOut)
	path = append(path, tokenOut.Bytes()...)
	return path
}

func appendFee(path []byte, fee uint32) []byte {
	return append(path, byte(fee>>16), byte(fee>>8), byte(fee))
}
