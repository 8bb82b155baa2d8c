package chain

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := New("base", 8453, nil, testKeyHex, common.Address{}, 3000, 1_500_000)
	require.NoError(t, err)
	return state
}

func TestNewRejectsMalformedKey(t *testing.T) {
	_, err := New("base", 8453, nil, "not-a-key", common.Address{}, 3000, 1_500_000)
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestNextNonceIsGapless(t *testing.T) {
	state := newTestState(t)

	for i := uint64(0); i < 10; i++ {
		require.Equal(t, 42+i, state.NextNonce(42))
	}
}

func TestNextNonceSeedsOnlyOnce(t *testing.T) {
	state := newTestState(t)

	require.Equal(t, uint64(7), state.NextNonce(7))
	require.Equal(t, uint64(8), state.NextNonce(99), "later seeds are ignored while the counter is live")

	state.ResetNonce()
	require.Equal(t, uint64(99), state.NextNonce(99))
}

func TestNextNonceTotalOrderUnderContention(t *testing.T) {
	state := newTestState(t)

	const calls = 100
	seen := make(map[uint64]struct{}, calls)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := state.NextNonce(0)
			mu.Lock()
			seen[n] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, calls, "no two calls may return the same nonce")
	for i := uint64(0); i < calls; i++ {
		require.Contains(t, seen, i, "nonces must be gapless")
	}
}

func TestPriceCacheFreshness(t *testing.T) {
	state := newTestState(t)

	state.SetPriceUSD("WETH", 3000, time.Now().Add(-time.Minute))
	entry, ok := state.PriceUSD("weth")
	require.True(t, ok, "token lookup is case-insensitive")
	require.Equal(t, 3000.0, entry.PriceUSD)

	require.True(t, state.PriceFresh("weth", 2*time.Minute))
	require.False(t, state.PriceFresh("weth", 10*time.Second))
	require.False(t, state.PriceFresh("unknown", time.Hour))
}
