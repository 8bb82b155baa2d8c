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

// oneInchBaseURL is the 1inch v6 quote API root.
const oneInchBaseURL = "https://api.1inch.dev/swap/v6.0"

// OneInch is the 1inch v6 HTTP quote source.
type OneInch struct {
	client  *http.Client
	apiKey  string
	limiter *rate.Limiter
	baseURL string
}

// NewOneInch constructs the source. The API key may be empty; 1inch then
// rate-limits aggressively, which the limiter here front-runs.
func NewOneInch(apiKey string) *OneInch {
	return &OneInch{
		client:  &http.Client{Timeout: aggregatorTimeoutSeconds * time.Second},
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		baseURL: oneInchBaseURL,
	}
}

func (o *OneInch) Name() string { return "1inch" }

type oneInchResponse struct {
	DstAmount string `json:"dstAmount"`
}

// Quote fetches a v6 quote for the pair.
func (o *OneInch) Quote(ctx context.Context, req QuoteRequest) (*big.Int, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("src", req.TokenIn.Hex())
	query.Set("dst", req.TokenOut.Hex())
	query.Set("amount", req.AmountIn.String())
	endpoint := fmt.Sprintf("%s/%d/quote?%s", o.baseURL, req.ChainID, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("1inch quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoQuote
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("1inch quote: status %d", resp.StatusCode)
	}

	var decoded oneInchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("1inch decode: %w", err)
	}
	amount, ok := new(big.Int).SetString(decoded.DstAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrNoQuote
	}
	return amount, nil
}
