package swaprouter

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// aggregatorTimeoutSeconds bounds each HTTP quote source, per spec.md §5.
const aggregatorTimeoutSeconds = 5

var (
	// ErrNoQuote is returned when a source has no route for the pair.
	ErrNoQuote = errors.New("swaprouter: no quote available")
	// ErrNoSource is returned when every source failed or returned empty.
	ErrNoSource = errors.New("swaprouter: all quote sources exhausted")
)

// QuoteRequest describes one swap to price: amountIn of TokenIn into
// TokenOut on the given chain.
type QuoteRequest struct {
	Chain    string
	ChainID  int64
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
}

// Quote is one source's answer.
type Quote struct {
	Source    string
	AmountOut *big.Int
}

// Source is one quote provider: an HTTP aggregator or the on-chain quoter.
// A Source returns ErrNoQuote when it has no route; any other error is a
// transport failure. Both move the router to the next source.
type Source interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (*big.Int, error)
}
