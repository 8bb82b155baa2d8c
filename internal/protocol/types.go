package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/chain"
)

// MinDebtUSD is the floor below which a position is not worth evaluating or
// pursuing, per spec.md §4.4-4.7.
const MinDebtUSD = 100.0

// batchGroupSize is how many accounts one aggregated view call covers.
const batchGroupSize = 100

// Position is the ephemeral per-evaluation snapshot of spec.md §3. It is
// produced by a batch evaluation and handed to the prioritizer; it is never
// stored.
type Position struct {
	User          common.Address
	Chain         string
	Protocol      string
	CollateralUSD float64
	DebtUSD       float64
	HealthFactor  float64
	Liquidatable  bool
}

// Asset describes one reserve/market side of an opportunity.
type Asset struct {
	Token    common.Address
	Symbol   string
	Decimals uint8
	Balance  *big.Int
	USD      float64
}

// Opportunity is the enriched Position of spec.md §3: the best collateral and
// best debt assets plus the collateral's liquidation bonus.
type Opportunity struct {
	Position
	BestCollateral Asset
	BestDebt       Asset
	BonusBps       uint64
}

// Adapter is the per-protocol capability set of spec.md §9: discover assets,
// batch-evaluate accounts, and compute per-user detail. One implementation
// exists per protocol (Aave V3, Compound V3 Comet, Venus).
type Adapter interface {
	// Name returns the protocol identifier ("aave", "compoundv3", "venus").
	Name() string
	// DiscoverAssets enumerates and caches the protocol's asset metadata.
	// Idempotent; batch evaluation calls it lazily on first use.
	DiscoverAssets(ctx context.Context) error
	// BatchEvaluate snapshots every user's position, in aggregated groups
	// of 100 with a sequential per-user fallback when aggregation fails.
	BatchEvaluate(ctx context.Context, users []common.Address) ([]Position, error)
	// Detail re-fetches one user's position and selects the best collateral
	// and debt assets for liquidation.
	Detail(ctx context.Context, user common.Address) (Opportunity, error)
}

// PriceSource is the price-cache surface adapters read USD prices from;
// satisfied by *chain.State.
type PriceSource interface {
	PriceUSD(token string) (chain.PriceEntry, bool)
}

// GroupUsers partitions users into the batch groups one aggregated view call
// covers.
func GroupUsers(users []common.Address) [][]common.Address {
	groups := make([][]common.Address, 0, (len(users)+batchGroupSize-1)/batchGroupSize)
	for start := 0; start < len(users); start += batchGroupSize {
		end := start + batchGroupSize
		if end > len(users) {
			end = len(users)
		}
		groups = append(groups, users[start:end])
	}
	return groups
}
