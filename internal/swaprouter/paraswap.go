package swaprouter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// paraswapBaseURL is the Paraswap v5 prices API root.
const paraswapBaseURL = "https://apiv5.paraswap.io"

// Paraswap is the Paraswap v5 HTTP quote source.
type Paraswap struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewParaswap constructs the source.
func NewParaswap() *Paraswap {
	return &Paraswap{
		client:  &http.Client{Timeout: aggregatorTimeoutSeconds * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		baseURL: paraswapBaseURL,
	}
}

func (p *Paraswap) Name() string { return "paraswap" }

type paraswapResponse struct {
	PriceRoute struct {
		DestAmount string `json:"destAmount"`
	} `json:"priceRoute"`
}

// Quote fetches a v5 SELL-side price for the pair.
func (p *Paraswap) Quote(ctx context.Context, req QuoteRequest) (*big.Int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("srcToken", req.TokenIn.Hex())
	query.Set("destToken", req.TokenOut.Hex())
	query.Set("amount", req.AmountIn.String())
	query.Set("side", "SELL")
	query.Set("network", fmt.Sprintf("%d", req.ChainID))
	endpoint := fmt.Sprintf("%s/prices?%s", p.baseURL, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("paraswap quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoQuote
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paraswap quote: status %d", resp.StatusCode)
	}

	var decoded paraswapResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("paraswap decode: %w", err)
	}
	amount, ok := new(big.Int).SetString(decoded.PriceRoute.DestAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrNoQuote
	}
	return amount, nil
}
