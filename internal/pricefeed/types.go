package pricefeed

import (
	"time"
)

// PriceUpdate is the payload published onto the scan channel once a price
// survives cross-validation, per spec.md §3/§4.2.
type PriceUpdate struct {
	Chain       string
	Token       string
	PriceUSD    float64
	ObservedAt  time.Time
	SourceIndex int
}

// Sink is the narrow interface a Manager writes accepted prices into —
// satisfied by *chain.State's SetPriceUSD, kept as an interface here so
// this package never imports internal/chain.
type Sink interface {
	SetPriceUSD(token string, priceUSD float64, observedAt time.Time)
}

// minPriceUSD and maxPriceUSD bound what spec.md §4.2 calls an "obviously
// bogus" price, outside which an update is discarded outright.
const (
	minPriceUSD = 0.0
	maxPriceUSD = 1_000_000.0

	// maxCrossCheckAge is the window within which another source's price is
	// still eligible for cross-validation.
	maxCrossCheckAge = 60 * time.Second

	// maxDeviation is the maximum tolerated relative deviation between two
	// sources' prices for the same token before an update is rejected.
	maxDeviation = 0.05

	// healthyMessageWindow is how recently a task must have received a
	// message to be considered healthy.
	healthyMessageWindow = 120 * time.Second

	// minBackoff/maxBackoff bound the reconnect backoff schedule: starts at
	// minBackoff, doubles on each failure, caps at maxBackoff.
	minBackoff = time.Second
	maxBackoff = 60 * time.Second
)

func isBogusPrice(price float64) bool {
	return price <= minPriceUSD || price >= maxPriceUSD
}
