package chain

import (
	"crypto/ecdsa"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PriceEntry is one cached price observation, keyed by token inside State.
type PriceEntry struct {
	PriceUSD   float64
	ObservedAt time.Time
}

// State is the ChainState of spec.md §3: exclusive owner of the chain
// identifier, the RPC Pool, the signing identity, the local nonce and the
// price cache. ChainState is shared — many readers (scanner, subscriber,
// executor) and a limited-writer for the nonce and price cache, both
// guarded.
type State struct {
	Name    string
	ChainID int64
	Pool    *Pool

	signer     *ecdsa.PrivateKey
	signerAddr common.Address

	nonceMu sync.Mutex
	nonce   uint64
	nonceOK bool

	priceMu sync.RWMutex
	prices  map[string]PriceEntry

	Liquidator common.Address

	NativePriceUSD float64
	GasLimit       uint64
}

// New constructs a ChainState. privateKeyHex is the shared signing identity
// applied across every chain (spec.md §6: a single PRIVATE_KEY).
func New(name string, chainID int64, pool *Pool, privateKeyHex string, liquidator common.Address, nativePriceUSD float64, gasLimit uint64) (*State, error) {
	key := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	signer, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	publicKey, ok := signer.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPrivateKey
	}
	return &State{
		Name:           name,
		ChainID:        chainID,
		Pool:           pool,
		signer:         signer,
		signerAddr:     crypto.PubkeyToAddress(*publicKey),
		prices:         make(map[string]PriceEntry),
		Liquidator:     liquidator,
		NativePriceUSD: nativePriceUSD,
		GasLimit:       gasLimit,
	}, nil
}

// Signer returns the signing key and its derived address.
func (s *State) Signer() (*ecdsa.PrivateKey, common.Address) {
	return s.signer, s.signerAddr
}

// NextNonce returns the next local nonce to use and advances the counter.
// The first call seeds the counter from seed (typically an on-chain
// eth_getTransactionCount read); subsequent calls increment locally so
// back-to-back submissions never race an RPC round trip, matching the
// "monotonically increasing local nonce" invariant in spec.md §3.
func (s *State) NextNonce(seed uint64) uint64 {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if !s.nonceOK {
		s.nonce = seed
		s.nonceOK = true
	}
	n := s.nonce
	s.nonce++
	return n
}

// ResetNonce forces the next NextNonce call to reseed from the chain,
// used after a submission failure that may have desynchronised the counter.
func (s *State) ResetNonce() {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	s.nonceOK = false
}

// PriceUSD returns the cached price for token and whether it is present.
func (s *State) PriceUSD(token string) (PriceEntry, bool) {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	entry, ok := s.prices[strings.ToLower(token)]
	return entry, ok
}

// SetPriceUSD updates the cached price for token.
func (s *State) SetPriceUSD(token string, priceUSD float64, observedAt time.Time) {
	s.priceMu.Lock()
	defer s.priceMu.Unlock()
	s.prices[strings.ToLower(token)] = PriceEntry{PriceUSD: priceUSD, ObservedAt: observedAt}
}

// PriceFresh reports whether the cached price for token was observed within maxAge.
func (s *State) PriceFresh(token string, maxAge time.Duration) bool {
	entry, ok := s.PriceUSD(token)
	if !ok {
		return false
	}
	return time.Since(entry.ObservedAt) <= maxAge
}

// LogValue implements slog.LogValuer so logging a State never dumps the
// signer key or the full price cache.
func (s *State) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("chain", s.Name),
		slog.Int64("chain_id", s.ChainID),
	)
}
