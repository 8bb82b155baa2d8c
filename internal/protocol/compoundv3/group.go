package compoundv3

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/protocol"
)

// Group presents every Comet market on one chain as a single protocol
// adapter: a chain may host several markets, but positions, scoring and
// execution all speak one "compoundv3" protocol.
type Group struct {
	adapters []*Adapter
}

// NewGroup wraps the chain's per-market adapters.
func NewGroup(adapters ...*Adapter) *Group {
	return &Group{adapters: adapters}
}

func (g *Group) Name() string { return "compoundv3" }

// DiscoverAssets discovers every market's assets; a market that fails keeps
// the rest usable.
func (g *Group) DiscoverAssets(ctx context.Context) error {
	var firstErr error
	for _, adapter := range g.adapters {
		if err := adapter.DiscoverAssets(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BatchEvaluate concatenates every market's evaluation. A user borrowing in
// two markets yields two positions; each carries its own market's detail.
func (g *Group) BatchEvaluate(ctx context.Context, users []common.Address) ([]protocol.Position, error) {
	positions := make([]protocol.Position, 0)
	var firstErr error
	for _, adapter := range g.adapters {
		found, err := adapter.BatchEvaluate(ctx, users)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		positions = append(positions, found...)
	}
	if len(positions) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return positions, nil
}

// Detail returns the liquidatable market opportunity with the largest debt;
// when no market reports the user liquidatable, the largest-debt snapshot is
// returned so the executor counts the competitor beat.
func (g *Group) Detail(ctx context.Context, user common.Address) (protocol.Opportunity, error) {
	var best protocol.Opportunity
	found := false
	var firstErr error
	for _, adapter := range g.adapters {
		opp, err := adapter.Detail(ctx, user)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !found ||
			(opp.Liquidatable && !best.Liquidatable) ||
			(opp.Liquidatable == best.Liquidatable && opp.DebtUSD > best.DebtUSD) {
			best = opp
			found = true
		}
	}
	if !found {
		if firstErr != nil {
			return protocol.Opportunity{}, firstErr
		}
		return protocol.Opportunity{}, errors.New("compoundv3: no market configured")
	}
	return best, nil
}
