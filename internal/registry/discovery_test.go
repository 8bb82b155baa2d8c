package registry

import (
	"context"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// fakeFilterer serves canned Borrow logs, honoring the query's block range
// so chunked scans see each event exactly once.
type fakeFilterer struct {
	head  uint64
	logs  []types.Log
	calls int
}

func (f *fakeFilterer) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	f.calls++
	from := query.FromBlock.Uint64()
	to := query.ToBlock.Uint64()
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeFilterer) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func borrowLog(spec ProtocolSpec, block uint64, borrower common.Address) types.Log {
	topics := make([]common.Hash, spec.TopicSlot+1)
	topics[0] = eventTopic(spec)
	topics[spec.TopicSlot] = common.BytesToHash(borrower.Bytes())
	return types.Log{BlockNumber: block, Topics: topics}
}

func TestDiscoverRangeAccumulatesDistinctBorrowers(t *testing.T) {
	alice := common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob := common.HexToAddress("0xb000000000000000000000000000000000000002")
	carol := common.HexToAddress("0xc000000000000000000000000000000000000003")

	client := &fakeFilterer{
		head: 25_000,
		logs: []types.Log{
			borrowLog(AaveSpec, 100, alice),
			borrowLog(AaveSpec, 200, bob),
			borrowLog(AaveSpec, 300, carol),
			borrowLog(AaveSpec, 20_100, alice), // repeat borrower in a later chunk
		},
	}

	reg := New()
	added, err := DiscoverRange(context.Background(), client, reg, "base", AaveSpec, common.Address{}, 0, 25_000, nil)
	require.NoError(t, err)
	require.Equal(t, 3, added)
	require.GreaterOrEqual(t, client.calls, 3, "the 25k range must be scanned in 10k chunks")
	require.ElementsMatch(t, []string{
		"0xa000000000000000000000000000000000000001",
		"0xb000000000000000000000000000000000000002",
		"0xc000000000000000000000000000000000000003",
	}, reg.Borrowers("base"))
}

func TestDiscoverRangeIgnoresShortTopicLogs(t *testing.T) {
	client := &fakeFilterer{
		head: 100,
		logs: []types.Log{{BlockNumber: 50, Topics: []common.Hash{eventTopic(AaveSpec)}}},
	}

	reg := New()
	added, err := DiscoverRange(context.Background(), client, reg, "base", AaveSpec, common.Address{}, 0, 100, nil)
	require.NoError(t, err)
	require.Zero(t, added)
}

func TestDiscoverRangeEmptyWhenFromExceedsTo(t *testing.T) {
	reg := New()
	added, err := DiscoverRange(context.Background(), &fakeFilterer{}, reg, "base", AaveSpec, common.Address{}, 10, 5, nil)
	require.NoError(t, err)
	require.Zero(t, added)
}
