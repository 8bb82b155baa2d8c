package chain

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/require"
)

// newTestPool builds a pool of n healthy endpoints, each with a non-nil
// (never dialed) client so that failover may promote it.
func newTestPool(n int) *Pool {
	pool := &Pool{chain: "test", logger: slog.Default()}
	for i := 0; i < n; i++ {
		pool.endpoints = append(pool.endpoints, NewEndpoint("endpoint"))
		pool.clients = append(pool.clients, ethclient.NewClient(nil))
	}
	return pool
}

func TestEndpointHealthyAfterThreeFailures(t *testing.T) {
	endpoint := NewEndpoint("http://a")
	require.True(t, endpoint.Healthy())

	endpoint.RecordFailure()
	require.True(t, endpoint.Healthy())
	endpoint.RecordFailure()
	require.True(t, endpoint.Healthy())
	tripped := endpoint.RecordFailure()
	require.True(t, tripped)
	require.False(t, endpoint.Healthy())

	endpoint.RecordSuccess(5 * time.Millisecond)
	require.True(t, endpoint.Healthy())
	require.Equal(t, 0, endpoint.Snapshot().ConsecutiveFailures)
}

func TestPoolRecordFailurePromotesNextHealthy(t *testing.T) {
	pool := newTestPool(3)

	pool.RecordFailure()
	pool.RecordFailure()
	pool.RecordFailure()

	require.Equal(t, 1, pool.active)
	require.False(t, pool.endpoints[0].Healthy())
}

func TestPoolAllUnhealthyResetsToZero(t *testing.T) {
	pool := newTestPool(2)

	for i := 0; i < 3; i++ {
		pool.RecordFailure()
	}
	require.Equal(t, 1, pool.active)

	for i := 0; i < 3; i++ {
		pool.RecordFailure()
	}

	require.Equal(t, 0, pool.active)
	for _, e := range pool.endpoints {
		require.True(t, e.Healthy())
	}
}
