package controlplane

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockAcquireIsExclusive(t *testing.T) {
	locks := NewLockTable()

	require.True(t, locks.Acquire("aave", "base", "0xAbc"))
	require.False(t, locks.Acquire("aave", "base", "0xabc"), "key is case-insensitive")
	require.True(t, locks.Acquire("venus", "base", "0xabc"), "different protocol is a different target")

	locks.Release("aave", "base", "0xABC")
	require.True(t, locks.Acquire("aave", "base", "0xabc"))
}

func TestLockMutualExclusionUnderContention(t *testing.T) {
	locks := NewLockTable()

	const goroutines = 32
	acquired := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.Acquire("aave", "base", "0xuser") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, acquired, "exactly one task may hold the lock")
	require.Equal(t, 1, locks.Len())
}

func TestCleanupReclaimsOnlyStaleLocks(t *testing.T) {
	locks := NewLockTable()
	locks.Acquire("aave", "base", "0xfresh")

	locks.mu.Lock()
	locks.locks[lockKey("aave", "base", "0xstale")] = time.Now().Add(-3 * time.Minute)
	locks.mu.Unlock()

	require.Equal(t, 1, locks.Cleanup())
	require.Equal(t, 1, locks.Len())
	require.False(t, locks.Acquire("aave", "base", "0xfresh"))
	require.True(t, locks.Acquire("aave", "base", "0xstale"))
}
