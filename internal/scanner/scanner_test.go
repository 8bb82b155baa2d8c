package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"liquidator/internal/controlplane"
	"liquidator/internal/pricefeed"
	"liquidator/internal/protocol"
	"liquidator/internal/registry"
)

type recordingAdapter struct {
	name string

	mu    sync.Mutex
	calls int
	users []common.Address
}

func (r *recordingAdapter) Name() string { return r.name }

func (r *recordingAdapter) DiscoverAssets(context.Context) error { return nil }

func (r *recordingAdapter) BatchEvaluate(_ context.Context, users []common.Address) ([]protocol.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.users = append([]common.Address(nil), users...)
	positions := make([]protocol.Position, len(users))
	for i, user := range users {
		positions[i] = protocol.Position{
			User: user, Protocol: r.name, DebtUSD: 1000, HealthFactor: 0.9, Liquidatable: true,
		}
	}
	return positions, nil
}

func (r *recordingAdapter) Detail(context.Context, common.Address) (protocol.Opportunity, error) {
	return protocol.Opportunity{}, nil
}

func (r *recordingAdapter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingProcessor struct {
	mu        sync.Mutex
	processed [][]protocol.Position
}

func (r *recordingProcessor) Process(_ context.Context, positions []protocol.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, positions)
}

func (r *recordingProcessor) cycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processed)
}

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.AddBorrower("base", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	reg.AddBorrower("bsc", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	return reg
}

func TestScanChainRunsAdaptersInOrderAndMerges(t *testing.T) {
	aave := &recordingAdapter{name: "aave"}
	venus := &recordingAdapter{name: "venus"}
	scan := New(newTestRegistry(), map[string][]protocol.Adapter{
		"base": {aave, venus},
	}, &recordingProcessor{}, controlplane.NewStats(), nil)

	positions := scan.ScanChain(context.Background(), "base")

	require.Len(t, positions, 2)
	require.Equal(t, "aave", positions[0].Protocol)
	require.Equal(t, "venus", positions[1].Protocol)
	require.Equal(t, 1, aave.callCount())
	require.Equal(t, 1, venus.callCount())
}

func TestScanChainEmptyBorrowerSetScansNothing(t *testing.T) {
	aave := &recordingAdapter{name: "aave"}
	scan := New(registry.New(), map[string][]protocol.Adapter{"base": {aave}}, &recordingProcessor{}, nil, nil)

	require.Empty(t, scan.ScanChain(context.Background(), "base"))
	require.Zero(t, aave.callCount())
}

func TestPriceUpdateScansOnlyAffectedChain(t *testing.T) {
	baseAdapter := &recordingAdapter{name: "aave"}
	bscAdapter := &recordingAdapter{name: "venus"}
	processor := &recordingProcessor{}
	scan := New(newTestRegistry(), map[string][]protocol.Adapter{
		"base": {baseAdapter},
		"bsc":  {bscAdapter},
	}, processor, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan pricefeed.PriceUpdate, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scan.Run(ctx, updates)
	}()

	updates <- pricefeed.PriceUpdate{Chain: "base", Token: "weth", PriceUSD: 3000}

	require.Eventually(t, func() bool { return processor.cycles() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, baseAdapter.callCount())
	require.Zero(t, bscAdapter.callCount(), "other chains' registries are not queried")

	cancel()
	<-done
}
