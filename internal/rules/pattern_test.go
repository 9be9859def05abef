package rules

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

func patternRule(id string, params *domain.PatternParams) *domain.Rule {
	return &domain.Rule{
		ID:      id,
		Name:    "rule-" + id,
		Kind:    domain.KindPattern,
		Enabled: true,
		Pattern: params,
	}
}

func TestPatternCount(t *testing.T) {
	agg := window.New(24 * time.Hour)
	engine := testEngine(agg, nil)
	now := time.Now()
	from := domain.AccountKey("acct-from")

	rule := patternRule("r-burst", &domain.PatternParams{
		Period: domain.WindowTenMinutes,
		Count:  iptr(3),
	})
	set := []*domain.Rule{rule}

	agg.Observe(from, domain.MetricOutgoing, now.Add(-5*time.Minute), 100, "acct-to")
	agg.Observe(from, domain.MetricOutgoing, now.Add(-3*time.Minute), 100, "acct-to")
	if evalSingle(engine, testTx(), set, rule).Matched {
		t.Error("2 transactions against a count of 3 should not match")
	}

	agg.Observe(from, domain.MetricOutgoing, now.Add(-time.Minute), 100, "acct-to")
	result := evalSingle(engine, testTx(), set, rule)
	if !result.Matched {
		t.Error("3 transactions against a count of 3 should match")
	}
	if result.Score != 3 {
		t.Errorf("score should be the windowed count, got %f", result.Score)
	}
}

func TestPatternConjunctive(t *testing.T) {
	agg := window.New(24 * time.Hour)
	engine := testEngine(agg, nil)
	now := time.Now()
	from := domain.AccountKey("acct-from")

	// 3 transactions totaling 600: count holds, ceiling does not.
	for i := 0; i < 3; i++ {
		agg.Observe(from, domain.MetricOutgoing, now.Add(-time.Duration(i+1)*time.Minute), 200, "acct-to")
	}

	rule := patternRule("r-both", &domain.PatternParams{
		Period:        domain.WindowHour,
		Count:         iptr(3),
		AmountCeiling: fptr(1000),
	})
	if evalSingle(engine, testTx(), []*domain.Rule{rule}, rule).Matched {
		t.Error("conjunctive pattern with one failing condition should not match")
	}

	lower := patternRule("r-both-low", &domain.PatternParams{
		Period:        domain.WindowHour,
		Count:         iptr(3),
		AmountCeiling: fptr(600),
	})
	result := evalSingle(engine, testTx(), []*domain.Rule{lower}, lower)
	if !result.Matched {
		t.Error("pattern with both conditions holding should match")
	}
	if result.Reason == "" {
		t.Error("expected joined condition reasons")
	}
}

func TestPatternSameRecipient(t *testing.T) {
	agg := window.New(24 * time.Hour)
	engine := testEngine(agg, nil)
	now := time.Now()
	from := domain.AccountKey("acct-from")

	rule := patternRule("r-struct", &domain.PatternParams{
		Period:        domain.WindowHour,
		Count:         iptr(3),
		SameRecipient: true,
	})
	set := []*domain.Rule{rule}

	agg.Observe(from, domain.MetricOutgoing, now.Add(-3*time.Minute), 900, "acct-to")
	agg.Observe(from, domain.MetricOutgoing, now.Add(-2*time.Minute), 900, "acct-to")
	agg.Observe(from, domain.MetricOutgoing, now.Add(-time.Minute), 900, "acct-to")
	if !evalSingle(engine, testTx(), set, rule).Matched {
		t.Error("repeated payments to one recipient should match")
	}

	agg.Observe(from, domain.MetricOutgoing, now.Add(-30*time.Second), 900, "acct-elsewhere")
	if evalSingle(engine, testTx(), set, rule).Matched {
		t.Error("a payment to a different recipient breaks the shared-recipient pattern")
	}
}

func TestPatternUniqueRecipients(t *testing.T) {
	agg := window.New(24 * time.Hour)
	engine := testEngine(agg, nil)
	now := time.Now()
	from := domain.AccountKey("acct-from")

	for i, to := range []string{"to-1", "to-2", "to-3", "to-4"} {
		agg.Observe(from, domain.MetricOutgoing, now.Add(-time.Duration(i+1)*time.Minute), 50, to)
	}

	rule := patternRule("r-fanout", &domain.PatternParams{
		Period:           domain.WindowHour,
		UniqueRecipients: iptr(3),
	})
	if !evalSingle(engine, testTx(), []*domain.Rule{rule}, rule).Matched {
		t.Error("4 distinct recipients against a cap of 3 should match")
	}

	relaxed := patternRule("r-fanout-ok", &domain.PatternParams{
		Period:           domain.WindowHour,
		UniqueRecipients: iptr(4),
	})
	if evalSingle(engine, testTx(), []*domain.Rule{relaxed}, relaxed).Matched {
		t.Error("4 distinct recipients against a cap of 4 should not match")
	}
}

func TestPatternObservationsAgeOut(t *testing.T) {
	current := time.Now()
	clock := func() time.Time { return current }
	agg := window.NewWithClock(24*time.Hour, clock)
	engine := testEngine(agg, nil)
	from := domain.AccountKey("acct-from")

	rule := patternRule("r-age", &domain.PatternParams{
		Period: domain.WindowTenMinutes,
		Count:  iptr(3),
	})
	set := []*domain.Rule{rule}

	for i := 0; i < 3; i++ {
		agg.Observe(from, domain.MetricOutgoing, current.Add(-time.Duration(i)*time.Minute), 100, "acct-to")
	}
	if !evalSingle(engine, testTx(), set, rule).Matched {
		t.Fatal("3 observations inside the window should match")
	}

	// Advance past the window: the same observations no longer count.
	current = current.Add(11 * time.Minute)
	if evalSingle(engine, testTx(), set, rule).Matched {
		t.Error("observations older than the window must not influence the rule")
	}
}

func TestPatternVelocityLimit(t *testing.T) {
	agg := window.New(24 * time.Hour)
	engine := testEngine(agg, nil)
	now := time.Now()
	from := domain.AccountKey("acct-from")

	agg.Observe(from, domain.MetricOutgoing, now.Add(-2*time.Minute), 600, "acct-to")
	agg.Observe(from, domain.MetricOutgoing, now.Add(-time.Minute), 600, "acct-to")

	rule := patternRule("r-vel", &domain.PatternParams{
		Period:        domain.WindowHour,
		VelocityLimit: fptr(1000),
	})
	if !evalSingle(engine, testTx(), []*domain.Rule{rule}, rule).Matched {
		t.Error("outgoing total 1200 above limit 1000 should match")
	}

	exact := patternRule("r-vel-eq", &domain.PatternParams{
		Period:        domain.WindowHour,
		VelocityLimit: fptr(1200),
	})
	if evalSingle(engine, testTx(), []*domain.Rule{exact}, exact).Matched {
		t.Error("velocity limit is exclusive: a total equal to the limit should not match")
	}
}
