package cost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/smartscope/backend/pkg/logger"
)

type Alert struct {
	OrgID       string          `json:"org_id"`
	Window      Window          `json:"window"`
	Threshold   float64         `json:"threshold"`
	Spent       decimal.Decimal `json:"spent"`
	Limit       decimal.Decimal `json:"limit"`
	PercentUsed float64         `json:"percent_used"`
	At          time.Time       `json:"at"`
}

// Notifier delivers budget alerts to whoever handles them.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Alert) error {
	logger.Warn("Budget threshold crossed",
		zap.String("org_id", a.OrgID),
		zap.String("window", string(a.Window)),
		zap.Float64("threshold", a.Threshold),
		zap.String("spent", a.Spent.StringFixed(4)),
		zap.String("limit", a.Limit.StringFixed(2)),
		zap.Float64("percent_used", a.PercentUsed),
	)
	return nil
}

// WebhookNotifier POSTs alerts as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) WithClient(c *http.Client) *WebhookNotifier {
	n.client = c
	return n
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans an alert out and returns the first delivery error.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, a Alert) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
