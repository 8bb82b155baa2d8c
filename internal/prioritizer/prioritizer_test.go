package prioritizer

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"liquidator/internal/controlplane"
	"liquidator/internal/protocol"
)

type fakeExecutor struct {
	executed []protocol.Position
}

func (f *fakeExecutor) Execute(_ context.Context, pos protocol.Position) {
	f.executed = append(f.executed, pos)
}

func newTestPrioritizer(minProfit float64) (*Prioritizer, *fakeExecutor, *controlplane.ControlPlane) {
	plane := controlplane.New(controlplane.Options{})
	exec := &fakeExecutor{}
	return New(minProfit, plane, exec, nil), exec, plane
}

func aavePosition(user byte, debtUSD float64) protocol.Position {
	return protocol.Position{
		User:         common.Address{user},
		Chain:        "base",
		Protocol:     "aave",
		DebtUSD:      debtUSD,
		HealthFactor: 0.95,
		Liquidatable: true,
	}
}

func TestSelectAppliesProfitGate(t *testing.T) {
	p, _, _ := newTestPrioritizer(5)

	// 120 × 0.5 × 0.05 − 5 = −2: below the floor.
	require.Empty(t, p.Select([]protocol.Position{aavePosition(1, 120)}))

	// 1000 × 0.5 × 0.05 − 5 = 20: dispatched.
	selected := p.Select([]protocol.Position{aavePosition(1, 1000)})
	require.Len(t, selected, 1)
	require.InDelta(t, 20.0, selected[0].ProfitScore, 1e-9)
}

func TestSelectDropsSmallDebtAndHealthyPositions(t *testing.T) {
	p, _, _ := newTestPrioritizer(0)

	small := aavePosition(1, 99)
	healthy := aavePosition(2, 5000)
	healthy.Liquidatable = false

	require.Empty(t, p.Select([]protocol.Position{small, healthy}))
}

func TestSelectSortsDescendingAndCaps(t *testing.T) {
	p, _, _ := newTestPrioritizer(0)

	positions := make([]protocol.Position, 0, 60)
	for i := 0; i < 60; i++ {
		positions = append(positions, aavePosition(byte(i+1), 1000+float64(i)*100))
	}

	selected := p.Select(positions)
	require.Len(t, selected, 50)
	for i := 1; i < len(selected); i++ {
		require.GreaterOrEqual(t, selected[i-1].ProfitScore, selected[i].ProfitScore)
	}
	require.Equal(t, common.Address{60}, selected[0].User, "largest debt scores highest")
}

func TestProcessRefusesWhenBreakerOpen(t *testing.T) {
	p, exec, plane := newTestPrioritizer(0)

	for i := 0; i < controlplane.DefaultBreakerThreshold; i++ {
		plane.RecordSubmissionFailure(context.Background())
	}
	require.True(t, plane.BreakerOpen())

	p.Process(context.Background(), []protocol.Position{aavePosition(1, 1000)})
	require.Empty(t, exec.executed)
}

func TestProcessSkipsLockedTargets(t *testing.T) {
	p, exec, plane := newTestPrioritizer(0)

	locked := aavePosition(1, 1000)
	free := aavePosition(2, 1000)
	require.True(t, plane.Locks().Acquire(locked.Protocol, locked.Chain, locked.User.Hex()))

	p.Process(context.Background(), []protocol.Position{locked, free})

	require.Len(t, exec.executed, 1)
	require.Equal(t, free.User, exec.executed[0].User)
	require.True(t, plane.Locks().Acquire(free.Protocol, free.Chain, free.User.Hex()),
		"locks are released after each dispatch")
}

func TestProcessDispatchesInScoreOrder(t *testing.T) {
	p, exec, _ := newTestPrioritizer(0)

	positions := []protocol.Position{
		aavePosition(1, 500),
		aavePosition(2, 5000),
		aavePosition(3, 1500),
	}
	p.Process(context.Background(), positions)

	require.Len(t, exec.executed, 3)
	require.Equal(t, common.Address{2}, exec.executed[0].User)
	require.Equal(t, common.Address{3}, exec.executed[1].User)
	require.Equal(t, common.Address{1}, exec.executed[2].User)
}

func TestSelectIgnoresUnknownProtocols(t *testing.T) {
	p, _, _ := newTestPrioritizer(0)

	pos := aavePosition(1, 5000)
	pos.Protocol = fmt.Sprintf("unknown-%d", 1)
	require.Empty(t, p.Select([]protocol.Position{pos}))
}
