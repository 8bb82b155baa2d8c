package swaprouter

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
)

// Router aggregates quote sources in order: aggregator A, aggregator B, then
// the on-chain quoter, each failure or empty quote moving to the next, per
// spec.md §4.9.
type Router struct {
	sources []Source
	logger  *slog.Logger
}

// New constructs a Router over the given ordered sources.
func New(sources []Source, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sources: sources, logger: logger}
}

// BestQuote walks the sources in order and returns the first usable quote.
func (r *Router) BestQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	for _, source := range r.sources {
		out, err := source.Quote(ctx, req)
		if err != nil {
			r.logger.Debug("quote source failed, trying next",
				slog.String("source", source.Name()), slog.String("error", err.Error()))
			continue
		}
		if out == nil || out.Sign() <= 0 {
			continue
		}
		return Quote{Source: source.Name(), AmountOut: out}, nil
	}
	return Quote{}, ErrNoSource
}

// BestQuoteParallel fans out to every source concurrently and returns the
// quote with the largest output.
func (r *Router) BestQuoteParallel(ctx context.Context, req QuoteRequest) (Quote, error) {
	type outcome struct {
		quote Quote
		err   error
	}
	results := make(chan outcome, len(r.sources))

	var wg sync.WaitGroup
	for _, source := range r.sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			out, err := s.Quote(ctx, req)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{quote: Quote{Source: s.Name(), AmountOut: out}}
		}(source)
	}
	wg.Wait()
	close(results)

	var best Quote
	for res := range results {
		if res.err != nil || res.quote.AmountOut == nil || res.quote.AmountOut.Sign() <= 0 {
			continue
		}
		if best.AmountOut == nil || res.quote.AmountOut.Cmp(best.AmountOut) > 0 {
			best = res.quote
		}
	}
	if best.AmountOut == nil {
		return Quote{}, ErrNoSource
	}
	return best, nil
}

// ValidateLiquidation checks that the collateral seized by a liquidation can
// be swapped back into at least the debt being covered: the expected
// collateral (seized amount grossed up by the bonus) is quoted into the debt
// token, and the liquidation is viable iff the quote covers debtToCover,
// per spec.md §4.9.
func (r *Router) ValidateLiquidation(ctx context.Context, req QuoteRequest, collateralAmount *big.Int, bonusBps uint64, debtToCover *big.Int) (bool, error) {
	expected := new(big.Int).Mul(collateralAmount, big.NewInt(int64(10_000+bonusBps)))
	expected.Quo(expected, big.NewInt(10_000))

	quoteReq := req
	quoteReq.AmountIn = expected
	quote, err := r.BestQuote(ctx, quoteReq)
	if err != nil {
		return false, err
	}
	return quote.AmountOut.Cmp(debtToCover) >= 0, nil
}
