package swaprouter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name   string
	out    *big.Int
	err    error
	called int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Quote(context.Context, QuoteRequest) (*big.Int, error) {
	f.called++
	return f.out, f.err
}

func testRequest(amountIn int64) QuoteRequest {
	return QuoteRequest{
		Chain:    "base",
		ChainID:  8453,
		TokenIn:  common.Address{0x01},
		TokenOut: common.Address{0x02},
		AmountIn: big.NewInt(amountIn),
	}
}

func TestBestQuoteStopsAtFirstUsableSource(t *testing.T) {
	first := &fakeSource{name: "a", out: big.NewInt(100)}
	second := &fakeSource{name: "b", out: big.NewInt(999)}
	router := New([]Source{first, second}, nil)

	quote, err := router.BestQuote(context.Background(), testRequest(10))
	require.NoError(t, err)
	require.Equal(t, "a", quote.Source)
	require.Equal(t, big.NewInt(100), quote.AmountOut)
	require.Zero(t, second.called, "ordered mode fast-fails, it does not shop around")
}

func TestBestQuoteFallsThroughFailuresAndEmptyQuotes(t *testing.T) {
	failing := &fakeSource{name: "a", err: errors.New("boom")}
	empty := &fakeSource{name: "b", out: big.NewInt(0)}
	working := &fakeSource{name: "c", out: big.NewInt(77)}
	router := New([]Source{failing, empty, working}, nil)

	quote, err := router.BestQuote(context.Background(), testRequest(10))
	require.NoError(t, err)
	require.Equal(t, "c", quote.Source)
}

func TestBestQuoteExhaustsAllSources(t *testing.T) {
	router := New([]Source{
		&fakeSource{name: "a", err: ErrNoQuote},
		&fakeSource{name: "b", err: errors.New("timeout")},
	}, nil)

	_, err := router.BestQuote(context.Background(), testRequest(10))
	require.ErrorIs(t, err, ErrNoSource)
}

func TestBestQuoteParallelPicksLargestOutput(t *testing.T) {
	router := New([]Source{
		&fakeSource{name: "a", out: big.NewInt(100)},
		&fakeSource{name: "b", out: big.NewInt(300)},
		&fakeSource{name: "c", err: errors.New("down")},
	}, nil)

	quote, err := router.BestQuoteParallel(context.Background(), testRequest(10))
	require.NoError(t, err)
	require.Equal(t, "b", quote.Source)
	require.Equal(t, big.NewInt(300), quote.AmountOut)
}

func TestValidateLiquidationComparesQuoteToDebt(t *testing.T) {
	source := &fakeSource{name: "a", out: big.NewInt(1000)}
	router := New([]Source{source}, nil)

	viable, err := router.ValidateLiquidation(context.Background(), testRequest(0), big.NewInt(500), 500, big.NewInt(900))
	require.NoError(t, err)
	require.True(t, viable)

	viable, err = router.ValidateLiquidation(context.Background(), testRequest(0), big.NewInt(500), 500, big.NewInt(1001))
	require.NoError(t, err)
	require.False(t, viable, "quote below debt to cover is not viable")
}

func TestEncodePathLayout(t *testing.T) {
	tokenIn := common.Address{0x01}
	mid := common.Address{0x02}
	tokenOut := common.Address{0x03}

	path := encodePath(tokenIn, 3000, mid, 500, tokenOut)
	require.Len(t, path, 66)
	require.Equal(t, tokenIn.Bytes(), path[:20])
	require.Equal(t, []byte{0x00, 0x0b, 0xb8}, path[20:23])
	require.Equal(t, mid.Bytes(), path[23:43])
	require.Equal(t, []byte{0x00, 0x01, 0xf4}, path[43:46])
	require.Equal(t, tokenOut.Bytes(), path[46:])
}
