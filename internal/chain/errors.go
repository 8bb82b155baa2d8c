package chain

import "errors"

var (
	// ErrNoEndpoints is returned when a ChainState is constructed with an empty endpoint list.
	ErrNoEndpoints = errors.New("chain: at least one RPC endpoint is required")
	// ErrDialFailed is returned when every configured endpoint fails to dial.
	ErrDialFailed = errors.New("chain: failed to dial any configured endpoint")
	// ErrInvalidPrivateKey is returned when the configured signing key cannot be parsed.
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
)
