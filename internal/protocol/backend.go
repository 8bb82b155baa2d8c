package protocol

import (
	"context"
	"errors"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"liquidator/internal/chain"
)

// ErrNoClient is returned when the pool's last-resort endpoint never dialed.
var ErrNoClient = errors.New("protocol: no usable rpc client")

// Backend supplies the client for view calls and records each outcome so the
// RPC Pool's health scoring sees every adapter call, per spec.md §7's
// "transient RPC" policy.
type Backend interface {
	Caller() Caller
	RecordSuccess(latency time.Duration)
	RecordFailure()
}

// PoolBackend adapts *chain.Pool to the Backend interface.
type PoolBackend struct {
	Pool *chain.Pool
}

func (b PoolBackend) Caller() Caller {
	client, _ := b.Pool.HealthyProvider()
	if client == nil {
		return nil
	}
	return client
}

func (b PoolBackend) RecordSuccess(latency time.Duration) { b.Pool.RecordSuccess(latency) }
func (b PoolBackend) RecordFailure()                      { b.Pool.RecordFailure() }

// View issues one eth_call through the backend's current healthy client,
// recording success or failure against the endpoint.
func View(ctx context.Context, b Backend, to common.Address, data []byte) ([]byte, error) {
	caller := b.Caller()
	if caller == nil {
		b.RecordFailure()
		return nil, ErrNoClient
	}
	start := time.Now()
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess(time.Since(start))
	return out, nil
}

// AggregateView issues one aggregated view call through the backend's current
// healthy client, recording the outcome the same way View does.
func AggregateView(ctx context.Context, b Backend, multicallAddr common.Address, calls []Call) ([]Result, error) {
	caller := b.Caller()
	if caller == nil {
		b.RecordFailure()
		return nil, ErrNoClient
	}
	start := time.Now()
	results, err := Aggregate(ctx, caller, multicallAddr, calls)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess(time.Since(start))
	return results, nil
}

// FromFixed converts a fixed-point integer with the given number of decimals
// to a float64 USD/amount value.
func FromFixed(x *big.Int, decimals int) float64 {
	if x == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(x), scale).Float64()
	return out
}
