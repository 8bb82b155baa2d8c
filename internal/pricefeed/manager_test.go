package pricefeed

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	token      string
	priceUSD   float64
	observedAt time.Time
	calls      int
}

func (f *fakeSink) SetPriceUSD(token string, priceUSD float64, observedAt time.Time) {
	f.token = token
	f.priceUSD = priceUSD
	f.observedAt = observedAt
	f.calls++
}

func newTestManager(sink Sink, outCh chan PriceUpdate) *Manager {
	return &Manager{
		chain:  "test",
		sink:   sink,
		outCh:  outCh,
		logger: slog.Default(),
		latest: make(map[string]map[int]crossEntry),
	}
}

func TestIngestAcceptsFirstSourceWithNothingToCompare(t *testing.T) {
	sink := &fakeSink{}
	mgr := newTestManager(sink, nil)

	mgr.ingest("test", "WETH", 3000.0, 0)

	require.Equal(t, 1, sink.calls)
	require.Equal(t, 3000.0, sink.priceUSD)
}

func TestIngestRejectsOutlierBeyondDeviationThreshold(t *testing.T) {
	sink := &fakeSink{}
	mgr := newTestManager(sink, nil)

	mgr.ingest("test", "WETH", 3000.0, 0)
	mgr.ingest("test", "WETH", 3200.0, 1) // +6.6%, beyond 5% vs source 0

	require.Equal(t, 1, sink.calls, "second update should have been rejected")
	require.Equal(t, 3000.0, sink.priceUSD)
}

func TestIngestAcceptsUpdateWithinDeviationThreshold(t *testing.T) {
	sink := &fakeSink{}
	mgr := newTestManager(sink, nil)

	mgr.ingest("test", "WETH", 3000.0, 0)
	mgr.ingest("test", "WETH", 3050.0, 1) // +1.6%, within 5%

	require.Equal(t, 2, sink.calls)
	require.Equal(t, 3050.0, sink.priceUSD)
}

func TestIngestIgnoresStaleOtherSourceForCrossCheck(t *testing.T) {
	sink := &fakeSink{}
	mgr := newTestManager(sink, nil)

	mgr.mu.Lock()
	mgr.latest["weth"] = map[int]crossEntry{
		0: {priceUSD: 3000.0, observedAt: time.Now().Add(-2 * time.Minute)},
	}
	mgr.mu.Unlock()

	mgr.ingest("test", "WETH", 5000.0, 1) // wildly off, but source 0's entry is stale

	require.Equal(t, 1, sink.calls)
	require.Equal(t, 5000.0, sink.priceUSD)
}

func TestIngestAlwaysRecordsSourcePriceEvenWhenRejected(t *testing.T) {
	sink := &fakeSink{}
	mgr := newTestManager(sink, nil)

	mgr.ingest("test", "WETH", 3000.0, 0)
	mgr.ingest("test", "WETH", 3200.0, 1) // rejected

	mgr.mu.Lock()
	entry, ok := mgr.latest["weth"][1]
	mgr.mu.Unlock()

	require.True(t, ok, "rejected update must still be stored for future cross-checks")
	require.Equal(t, 3200.0, entry.priceUSD)
}

func TestIngestPublishesAcceptedUpdateOnScanChannel(t *testing.T) {
	sink := &fakeSink{}
	outCh := make(chan PriceUpdate, 1)
	mgr := newTestManager(sink, outCh)

	mgr.ingest("test", "WETH", 3000.0, 0)

	select {
	case update := <-outCh:
		require.Equal(t, "weth", update.Token)
		require.Equal(t, 3000.0, update.PriceUSD)
	default:
		t.Fatal("expected a PriceUpdate on the scan channel")
	}
}

func TestRelativeDeviation(t *testing.T) {
	require.InDelta(t, 0.05, relativeDeviation(105, 100), 1e-9)
	require.Equal(t, 0.0, relativeDeviation(100, 100))
}
