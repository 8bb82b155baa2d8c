package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"liquidator/internal/obs"
)

// answerUpdatedSignature is the Chainlink aggregator "AnswerUpdated" event
// topic: AnswerUpdated(int256,uint256,uint256).
var answerUpdatedSignature = crypto.Keccak256Hash([]byte("AnswerUpdated(int256,uint256,uint256)"))

// connState is the per-task state machine of spec.md §4.2:
// disconnected -> connecting -> subscribed -> receiving -> (disconnected on
// any error/close).
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateSubscribed
	stateReceiving
)

// Task is one supervised subscription for a single (chain, endpoint) pair.
// It reconnects forever with exponential backoff until its context is
// cancelled.
type Task struct {
	chain       string
	endpoint    string
	sourceIndex int
	feedTokens  map[common.Address]string
	manager     *Manager
	logger      *slog.Logger

	mu              sync.Mutex
	state           connState
	connected       bool
	lastMessageAt   time.Time
	messageCount    uint64
	reconnectCount  uint64
}

func newTask(chain, endpoint string, sourceIndex int, feedTokens map[common.Address]string, manager *Manager, logger *slog.Logger) *Task {
	return &Task{
		chain:       chain,
		endpoint:    endpoint,
		sourceIndex: sourceIndex,
		feedTokens:  feedTokens,
		manager:     manager,
		logger:      logger,
	}
}

// Healthy reports whether the task is connected and has received a message
// within the last 120 s, per spec.md §4.2.
func (t *Task) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && time.Since(t.lastMessageAt) < healthyMessageWindow
}

func (t *Task) setState(s connState) {
	t.mu.Lock()
	t.state = s
	t.connected = s == stateReceiving || s == stateSubscribed
	t.mu.Unlock()
}

// Run blocks, supervising the subscription until ctx is cancelled. Any
// connection error moves the task back to disconnected and sleeps the
// current backoff, which doubles (capped at 60 s) on repeated failures and
// resets to 1 s once a subscription starts receiving messages.
func (t *Task) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		t.setState(stateConnecting)
		reachedReceiving, err := t.runOnce(ctx)
		t.setState(stateDisconnected)
		if err != nil {
			t.logger.Warn("price feed subscription failed",
				slog.String("chain", t.chain),
				slog.String("endpoint", obs.MaskURL(t.endpoint)),
				slog.String("error", err.Error()))
		}
		if reachedReceiving {
			backoff = minBackoff
		} else {
			backoff = nextBackoff(backoff)
		}
		t.mu.Lock()
		t.reconnectCount++
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func nextBackoff(prev time.Duration) time.Duration {
	next := prev * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

type subscribeRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type subscribeParams struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
}

type subscribeResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type subscriptionNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type logResult struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

func (t *Task) runOnce(ctx context.Context) (reachedReceiving bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	id := 1
	for feedAddr := range t.feedTokens {
		req := subscribeRequest{
			ID:     id,
			Method: "eth_subscribe",
			Params: []any{"logs", subscribeParams{
				Address: strings.ToLower(feedAddr.Hex()),
				Topics:  []string{answerUpdatedSignature.Hex()},
			}},
		}
		if err := conn.WriteJSON(req); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", feedAddr.Hex(), err)
		}
		id++
	}
	t.setState(stateSubscribed)

	pendingAcks := len(t.feedTokens)
	for pendingAcks > 0 {
		var resp subscribeResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return false, fmt.Errorf("read subscribe ack: %w", err)
		}
		if resp.Error != nil {
			return false, fmt.Errorf("subscribe rejected: %s", resp.Error.Message)
		}
		pendingAcks--
	}

	for {
		if ctx.Err() != nil {
			return reachedReceiving, ctx.Err()
		}
		var notif subscriptionNotification
		if err := conn.ReadJSON(&notif); err != nil {
			return reachedReceiving, fmt.Errorf("read notification: %w", err)
		}
		if notif.Method != "eth_subscription" {
			continue
		}
		var log logResult
		if err := json.Unmarshal(notif.Params.Result, &log); err != nil {
			t.logger.Warn("malformed price feed log", slog.String("chain", t.chain), slog.String("error", err.Error()))
			continue
		}
		t.handleLog(log)
		t.mu.Lock()
		t.lastMessageAt = time.Now()
		t.messageCount++
		t.mu.Unlock()
		t.setState(stateReceiving)
		reachedReceiving = true
	}
}

// handleLog decodes an AnswerUpdated log and, if the feed address is known,
// forwards the decoded price to the manager's cross-validation pipeline.
func (t *Task) handleLog(log logResult) {
	feedAddr := common.HexToAddress(log.Address)
	token, ok := t.feedTokens[feedAddr]
	if !ok {
		return
	}
	price, ok := decodeAnswer(log.Data)
	if !ok {
		return
	}
	if isBogusPrice(price) {
		return
	}
	t.manager.ingest(t.chain, token, price, t.sourceIndex)
}

// decodeAnswer reads the first 32-byte word of the log data as a signed
// fixed-point value with 8 decimals, per spec.md §4.2.
func decodeAnswer(hexData string) (float64, bool) {
	trimmed := strings.TrimPrefix(hexData, "0x")
	if len(trimmed) < 64 {
		return 0, false
	}
	word := trimmed[:64]
	raw, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return 0, false
	}
	if raw.Bit(255) == 1 {
		raw.Sub(raw, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	scaled := new(big.Float).SetInt(raw)
	scaled.Quo(scaled, big.NewFloat(1e8))
	price, _ := scaled.Float64()
	return price, true
}
