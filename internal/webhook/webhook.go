package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier posts Discord embed notifications for liquidation outcomes and
// circuit-breaker transitions. A zero-value Notifier with an empty URL is a
// no-op, so callers never need to branch on whether a webhook is configured.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New constructs a Notifier. An empty url disables delivery without making
// the caller branch; LiquidationResult and CircuitBreaker then return
// without sending anything.
func New(url string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []field `json:"fields,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type payload struct {
	Embeds []embed `json:"embeds"`
}

const (
	colorSuccess = 0x2ecc71
	colorFailure = 0xe74c3c
	colorWarn    = 0xf1c40f
)

// LiquidationResult reports the outcome of a completed liquidation attempt.
func (n *Notifier) LiquidationResult(ctx context.Context, chain, protocol, user string, profitUSD float64, success bool, txHash string) {
	if n == nil || n.url == "" {
		return
	}
	color := colorSuccess
	title := "Liquidation succeeded"
	if !success {
		color = colorFailure
		title = "Liquidation failed"
	}
	n.post(ctx, embed{
		Title: title,
		Color: color,
		Fields: []field{
			{Name: "chain", Value: chain, Inline: true},
			{Name: "protocol", Value: protocol, Inline: true},
			{Name: "user", Value: user, Inline: true},
			{Name: "profit_usd", Value: fmt.Sprintf("%.2f", profitUSD), Inline: true},
			{Name: "tx_hash", Value: txHash, Inline: false},
		},
	})
}

// CircuitBreaker reports a circuit-breaker open or close transition.
func (n *Notifier) CircuitBreaker(ctx context.Context, chain string, open bool, cooldown time.Duration) {
	if n == nil || n.url == "" {
		return
	}
	if open {
		n.post(ctx, embed{
			Title:       "Circuit breaker opened",
			Description: fmt.Sprintf("chain %s, cooldown %s", chain, cooldown),
			Color:       colorWarn,
		})
		return
	}
	n.post(ctx, embed{
		Title:       "Circuit breaker closed",
		Description: fmt.Sprintf("chain %s", chain),
		Color:       colorSuccess,
	})
}

func (n *Notifier) post(ctx context.Context, e embed) {
	body, err := json.Marshal(payload{Embeds: []embed{e}})
	if err != nil {
		n.logger.Warn("webhook encode failed", slog.String("error", err.Error()))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected", slog.Int("status", resp.StatusCode))
	}
}
