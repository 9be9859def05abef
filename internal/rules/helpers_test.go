package rules

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

// stubScorer returns a fixed probability or error, counting calls.
type stubScorer struct {
	prob  float64
	err   error
	calls atomic.Int32

	// block makes Score wait for ctx expiry, simulating a hung endpoint.
	block bool
}

func (s *stubScorer) Score(ctx context.Context, endpointURL, modelVersion string, features map[string]float64) (float64, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.prob, nil
}

func testEngine(agg domain.Aggregator, scorer domain.Scorer) *Engine {
	if agg == nil {
		agg = window.New(time.Hour)
	}
	return NewEngine(nil, nil, agg, scorer, domain.EngineConfig{
		RuleTimeout:       time.Second,
		MaxCompositeDepth: 5,
		RuleCacheTTL:      time.Minute,
	})
}

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ID:            "tx-test-001",
		CorrelationID: "corr-test-001",
		Type:          domain.TypeTransfer,
		FromAccount:   "acct-from",
		ToAccount:     "acct-to",
		Amount:        500,
		Currency:      "USD",
		DeviceID:      "dev-1",
		IPAddress:     "192.0.2.10",
		Status:        domain.StatusPending,
		Timestamp:     time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}
}

func thresholdRule(id string, priority int, critical bool, params *domain.ThresholdParams) *domain.Rule {
	return &domain.Rule{
		ID:        id,
		Name:      "rule-" + id,
		Kind:      domain.KindThreshold,
		Enabled:   true,
		Priority:  priority,
		Critical:  critical,
		Threshold: params,
	}
}

func compositeRule(id string, op domain.CompositeOperator, refs ...string) *domain.Rule {
	return &domain.Rule{
		ID:      id,
		Name:    "rule-" + id,
		Kind:    domain.KindComposite,
		Enabled: true,
		Composite: &domain.CompositeParams{
			Operator: op,
			Rules:    refs,
		},
	}
}

func mlRule(id string, threshold float64) *domain.Rule {
	return &domain.Rule{
		ID:      id,
		Name:    "rule-" + id,
		Kind:    domain.KindML,
		Enabled: true,
		ML: &domain.MLParams{
			ModelVersion: "v1",
			Threshold:    threshold,
			EndpointURL:  "http://scorer.local/score",
		},
	}
}

// evalSingle evaluates one rule through a fresh pass.
func evalSingle(e *Engine, tx *domain.Transaction, set []*domain.Rule, rule *domain.Rule) *domain.RuleResult {
	p := newPass(e, tx, set)
	return p.evaluate(context.Background(), rule)
}
