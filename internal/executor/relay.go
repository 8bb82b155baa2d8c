package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RelayClient submits signed transactions to a private relay endpoint: the
// same eth_sendRawTransaction JSON-RPC call the public pool takes, POSTed to
// the relay URL so the transaction never appears in the public mempool.
type RelayClient struct {
	client *http.Client
}

// NewRelayClient constructs the client.
func NewRelayClient() *RelayClient {
	return &RelayClient{client: &http.Client{Timeout: 10 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit POSTs the signed transaction to relayURL. Any transport or RPC
// error is returned so the caller can fall back to the public pool.
func (r *RelayClient) Submit(ctx context.Context, relayURL string, signedTx *types.Transaction) error {
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode tx: %w", err)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_sendRawTransaction",
		Params:  []any{hexutil.Encode(raw)},
	})
	if err != nil {
		return fmt.Errorf("encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("relay rejected: %s", decoded.Error.Message)
	}
	return nil
}
