package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func alertFixture() (*domain.Transaction, *domain.Verdict) {
	tx := &domain.Transaction{
		ID:       "tx-001",
		Amount:   5000,
		Currency: "USD",
	}
	v := &domain.Verdict{
		ID:             "v-001",
		TransactionID:  "tx-001",
		CorrelationID:  "corr-001",
		Status:         domain.StatusFlagged,
		RiskLevel:      domain.RiskHigh,
		MatchedRuleIDs: []string{"r-max"},
		RuleResults: []domain.RuleResult{
			{RuleID: "r-max", Matched: true, Reason: "amount 5000.00 above limit"},
		},
		Timestamp: time.Now().UTC(),
	}
	return tx, v
}

func TestWebhookNotifierDelivers(t *testing.T) {
	var received alertPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{WebhookURL: srv.URL})
	tx, v := alertFixture()
	if err := n.Notify(context.Background(), tx, v); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if received.TransactionID != "tx-001" {
		t.Errorf("transaction id = %s", received.TransactionID)
	}
	if received.Status != domain.StatusFlagged {
		t.Errorf("status = %s", received.Status)
	}
	if len(received.Reasons) != 1 {
		t.Errorf("reasons = %v, want the match reason", received.Reasons)
	}
}

func TestWebhookNotifierReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{WebhookURL: srv.URL})
	tx, v := alertFixture()
	if err := n.Notify(context.Background(), tx, v); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestNewFallsBackToLogNotifier(t *testing.T) {
	n := New(Config{})
	if _, ok := n.(*LogNotifier); !ok {
		t.Fatalf("expected LogNotifier, got %T", n)
	}

	tx, v := alertFixture()
	if err := n.Notify(context.Background(), tx, v); err != nil {
		t.Errorf("log notifier should never fail: %v", err)
	}
}
