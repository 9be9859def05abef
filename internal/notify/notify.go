// Package notify delivers verdict alerts to operators. Delivery is best
// effort: the pipeline logs a failed notification and moves on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Config holds notifier settings.
type Config struct {
	// WebhookURL receives a JSON alert per flagged or failed transaction.
	// Empty means alerts are only logged.
	WebhookURL string

	// Timeout bounds a single webhook delivery.
	Timeout time.Duration
}

// New returns a webhook notifier when a URL is configured, otherwise a
// log-only notifier.
func New(cfg Config) domain.Notifier {
	if cfg.WebhookURL == "" {
		return &LogNotifier{}
	}
	return NewWebhookNotifier(cfg)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// Notify logs the alert.
func (n *LogNotifier) Notify(ctx context.Context, tx *domain.Transaction, v *domain.Verdict) error {
	slog.Warn("transaction alert",
		"tx_id", tx.ID,
		"correlation_id", v.CorrelationID,
		"status", v.Status,
		"risk_level", v.RiskLevel,
		"amount", tx.Amount,
		"currency", tx.Currency,
		"reasons", v.Reasons(),
	)
	return nil
}

// WebhookNotifier POSTs a JSON alert to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg Config) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// alertPayload is the webhook body.
type alertPayload struct {
	TransactionID  string                   `json:"transactionId"`
	CorrelationID  string                   `json:"correlationId"`
	Status         domain.TransactionStatus `json:"status"`
	RiskLevel      domain.RiskLevel         `json:"riskLevel"`
	Amount         float64                  `json:"amount"`
	Currency       string                   `json:"currency"`
	MatchedRuleIDs []string                 `json:"matchedRuleIds,omitempty"`
	Reasons        []string                 `json:"reasons,omitempty"`
	Timestamp      time.Time                `json:"timestamp"`
}

// Notify delivers the alert to the webhook endpoint.
func (n *WebhookNotifier) Notify(ctx context.Context, tx *domain.Transaction, v *domain.Verdict) error {
	body, err := json.Marshal(alertPayload{
		TransactionID:  tx.ID,
		CorrelationID:  v.CorrelationID,
		Status:         v.Status,
		RiskLevel:      v.RiskLevel,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		MatchedRuleIDs: v.MatchedRuleIDs,
		Reasons:        v.Reasons(),
		Timestamp:      v.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
