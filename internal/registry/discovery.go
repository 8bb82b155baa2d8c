package registry

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// discoveryChunkBlocks is the block-range width of one FilterLogs call,
	// per spec.md §4.3 "Discovery".
	discoveryChunkBlocks = 10_000

	// discoveryChunkDelay is the pause between chunks, to avoid hammering
	// the RPC endpoint during a large backward scan.
	discoveryChunkDelay = 100 * time.Millisecond

	// InitialDiscoveryBlocks is how far back an empty registry scans on
	// first boot, per spec.md §4.3 "Initial load".
	InitialDiscoveryBlocks = 500_000
)

// LogFilterer is the subset of ethclient.Client used for discovery,
// narrowed the way services/oracle-attesterd/evm_confirm.go narrows its own
// EVMClient interface.
type LogFilterer interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ProtocolSpec names the Borrow-style event a protocol adapter discovers
// borrowers from, and which indexed topic slot holds the borrower address.
// Grounded on spec.md §4.3's per-protocol table.
type ProtocolSpec struct {
	Name           string
	EventSignature string
	TopicSlot      int
}

var (
	// AaveSpec matches Aave V3's Pool.Borrow event; onBehalfOf is topic[2].
	AaveSpec = ProtocolSpec{
		Name:           "aave",
		EventSignature: "Borrow(address,address,address,uint256,uint8,uint256,uint16)",
		TopicSlot:      2,
	}
	// CompoundV3Spec matches Comet's Withdraw event, used as the borrow
	// signal for V3 markets; src is topic[1].
	CompoundV3Spec = ProtocolSpec{
		Name:           "compoundv3",
		EventSignature: "Withdraw(address,address,uint256)",
		TopicSlot:      1,
	}
	// VenusSpec matches the Compound-V2-style Borrow event; borrower is
	// topic[1].
	VenusSpec = ProtocolSpec{
		Name:           "venus",
		EventSignature: "Borrow(address,uint256,uint256,uint256)",
		TopicSlot:      1,
	}
)

func eventTopic(spec ProtocolSpec) common.Hash {
	return crypto.Keccak256Hash([]byte(spec.EventSignature))
}

// DiscoverRange scans [fromBlock, toBlock] in chunks of 10,000 blocks for
// spec's Borrow-style event at poolAddress, accumulating distinct borrower
// addresses into the registry under chain. Per-chunk RPC errors are logged
// and skipped rather than aborting the whole range, per spec.md §4.3.
func DiscoverRange(ctx context.Context, client LogFilterer, reg *Registry, chain string, spec ProtocolSpec, poolAddress common.Address, fromBlock, toBlock uint64, logger *slog.Logger) (added int, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fromBlock > toBlock {
		return 0, nil
	}
	topic := eventTopic(spec)

	for start := fromBlock; start <= toBlock; start += discoveryChunkBlocks {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		end := start + discoveryChunkBlocks - 1
		if end > toBlock {
			end = toBlock
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{poolAddress},
			Topics:    [][]common.Hash{{topic}},
		}
		logs, chunkErr := client.FilterLogs(ctx, query)
		if chunkErr != nil {
			logger.Warn("borrower discovery chunk failed, continuing",
				slog.String("chain", chain), slog.String("protocol", spec.Name),
				slog.Uint64("from", start), slog.Uint64("to", end), slog.String("error", chunkErr.Error()))
			time.Sleep(discoveryChunkDelay)
			continue
		}
		for _, log := range logs {
			addr, ok := borrowerFromTopics(log.Topics, spec.TopicSlot)
			if !ok {
				continue
			}
			if reg.AddBorrower(chain, addr.Hex()) {
				added++
			}
		}

		if end < toBlock {
			time.Sleep(discoveryChunkDelay)
		}
	}
	return added, nil
}

func borrowerFromTopics(topics []common.Hash, slot int) (common.Address, bool) {
	if slot < 0 || slot >= len(topics) {
		return common.Address{}, false
	}
	return common.BytesToAddress(topics[slot].Bytes()), true
}
