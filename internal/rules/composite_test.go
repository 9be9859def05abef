package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// matchRule builds a threshold rule that matches any testTx (amount 500
// over a zero bound), and missRule one that never matches.
func matchRule(id string) *domain.Rule {
	return thresholdRule(id, 0, false, &domain.ThresholdParams{
		Operator:  domain.OpGreaterThan,
		MaxAmount: fptr(0),
	})
}

func missRule(id string) *domain.Rule {
	return thresholdRule(id, 0, false, &domain.ThresholdParams{
		Operator:  domain.OpGreaterThan,
		MaxAmount: fptr(1_000_000),
	})
}

func TestCompositeAndTruthTable(t *testing.T) {
	engine := testEngine(nil, nil)

	cases := []struct {
		name string
		a, b func(string) *domain.Rule
		want bool
	}{
		{"both match", matchRule, matchRule, true},
		{"first only", matchRule, missRule, false},
		{"second only", missRule, matchRule, false},
		{"neither", missRule, missRule, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := tc.a("r-a"), tc.b("r-b")
			comp := compositeRule("r-and", domain.CompositeAnd, "r-a", "r-b")
			set := []*domain.Rule{a, b, comp}

			result := evalSingle(engine, testTx(), set, comp)
			if result.Errored() {
				t.Fatalf("unexpected error: %s", result.Error)
			}
			if result.Matched != tc.want {
				t.Errorf("matched=%v, want %v", result.Matched, tc.want)
			}
		})
	}
}

func TestCompositeOrNot(t *testing.T) {
	engine := testEngine(nil, nil)

	a, b := missRule("r-a"), matchRule("r-b")

	or := compositeRule("r-or", domain.CompositeOr, "r-a", "r-b")
	if !evalSingle(engine, testTx(), []*domain.Rule{a, b, or}, or).Matched {
		t.Error("or with one matching reference should match")
	}

	not := compositeRule("r-not", domain.CompositeNot, "r-a")
	result := evalSingle(engine, testTx(), []*domain.Rule{a, not}, not)
	if !result.Matched {
		t.Error("not over a non-matching reference should match")
	}
	if !result.RiskLevel.AtLeast(domain.RiskMedium) {
		t.Errorf("matched composite should carry at least medium risk, got %s", result.RiskLevel)
	}

	notMatch := compositeRule("r-not2", domain.CompositeNot, "r-b")
	if evalSingle(engine, testTx(), []*domain.Rule{b, notMatch}, notMatch).Matched {
		t.Error("not over a matching reference should not match")
	}
}

func TestCompositeReferenceByName(t *testing.T) {
	engine := testEngine(nil, nil)
	a, b := matchRule("r-a"), matchRule("r-b")

	// References resolve by name too.
	comp := compositeRule("r-and", domain.CompositeAnd, a.Name, b.Name)
	if !evalSingle(engine, testTx(), []*domain.Rule{a, b, comp}, comp).Matched {
		t.Error("name references should resolve like id references")
	}
}

func TestCompositeCycleDetected(t *testing.T) {
	engine := testEngine(nil, nil)

	// a -> b -> a. Must finish promptly with a cycle error, not hang.
	a := compositeRule("r-a", domain.CompositeNot, "r-b")
	b := compositeRule("r-b", domain.CompositeNot, "r-a")
	set := []*domain.Rule{a, b}

	done := make(chan *domain.RuleResult, 1)
	go func() { done <- evalSingle(engine, testTx(), set, a) }()

	select {
	case result := <-done:
		if !result.Errored() {
			t.Fatal("cyclic composite should error")
		}
		if !strings.Contains(result.Error, domain.ErrCycleDetected.Error()) {
			t.Errorf("error %q should report a cycle", result.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cycle evaluation did not terminate")
	}
}

func TestCompositeSelfReference(t *testing.T) {
	engine := testEngine(nil, nil)
	self := compositeRule("r-self", domain.CompositeNot, "r-self")

	result := evalSingle(engine, testTx(), []*domain.Rule{self}, self)
	if !result.Errored() || !strings.Contains(result.Error, domain.ErrCycleDetected.Error()) {
		t.Errorf("self reference should be a cycle error, got %q", result.Error)
	}
}

func TestCompositeDepthCap(t *testing.T) {
	engine := testEngine(nil, nil)

	// A chain longer than MaxCompositeDepth (5 in testEngine).
	base := matchRule("r-0")
	set := []*domain.Rule{base}
	prev := "r-0"
	var top *domain.Rule
	for i := 1; i <= 8; i++ {
		id := "r-" + string(rune('0'+i))
		top = compositeRule(id, domain.CompositeNot, prev)
		set = append(set, top)
		prev = id
	}

	result := evalSingle(engine, testTx(), set, top)
	if !result.Errored() {
		t.Fatal("chain beyond the depth cap should error")
	}
}

func TestCompositeUnknownReference(t *testing.T) {
	engine := testEngine(nil, nil)
	comp := compositeRule("r-dangling", domain.CompositeNot, "no-such-rule")

	result := evalSingle(engine, testTx(), []*domain.Rule{comp}, comp)
	if !result.Errored() || !strings.Contains(result.Error, domain.ErrUnknownRule.Error()) {
		t.Errorf("dangling reference should surface ErrUnknownRule, got %q", result.Error)
	}
}

func TestCompositeErroredReference(t *testing.T) {
	scorer := &stubScorer{err: errors.New("model unavailable")}
	engine := testEngine(nil, scorer)

	ml := mlRule("r-ml", 0.5)
	not := compositeRule("r-not", domain.CompositeNot, "r-ml")

	// NOT over an unknown outcome must not match; the composite errors.
	result := evalSingle(engine, testTx(), []*domain.Rule{ml, not}, not)
	if result.Matched {
		t.Fatal("composite over an errored reference must not match")
	}
	if !result.Errored() {
		t.Fatal("composite over an errored reference should itself error")
	}
}

func TestCompositeMemoization(t *testing.T) {
	scorer := &stubScorer{prob: 0.95}
	engine := testEngine(nil, scorer)

	ml := mlRule("r-ml", 0.5)
	and1 := compositeRule("r-and1", domain.CompositeAnd, "r-ml", "r-base")
	and2 := compositeRule("r-and2", domain.CompositeAnd, "r-ml", "r-base")
	base := matchRule("r-base")
	set := []*domain.Rule{base, ml, and1, and2}

	p := newPass(engine, testTx(), set)
	ctx := context.Background()
	for _, rule := range set {
		p.evaluate(ctx, rule)
	}

	if n := scorer.calls.Load(); n != 1 {
		t.Errorf("scorer called %d times, want 1 (memoized per pass)", n)
	}
}

func TestCompositeExpression(t *testing.T) {
	engine := testEngine(nil, nil)

	// CEL identifiers, so underscore ids.
	a, b := matchRule("rule_a"), missRule("rule_b")

	comp := &domain.Rule{
		ID:      "rule_expr",
		Name:    "rule-expr",
		Kind:    domain.KindComposite,
		Enabled: true,
		Composite: &domain.CompositeParams{
			Operator:   domain.CompositeAnd,
			Rules:      []string{"rule_a", "rule_b"},
			Expression: "rule_a && !rule_b",
		},
	}
	set := []*domain.Rule{a, b, comp}

	result := evalSingle(engine, testTx(), set, comp)
	if result.Errored() {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if !result.Matched {
		t.Error("expression rule_a && !rule_b should hold")
	}
	if !strings.Contains(result.Reason, "expression") {
		t.Errorf("reason %q should cite the expression", result.Reason)
	}

	// The expression overrides the plain operator combination: plain
	// AND over the same refs would not match.
	plain := compositeRule("rule_plain", domain.CompositeAnd, "rule_a", "rule_b")
	if evalSingle(engine, testTx(), append(set, plain), plain).Matched {
		t.Error("plain and should not match with one reference missing")
	}
}

func TestCompositeRiskFromReferences(t *testing.T) {
	engine := testEngine(nil, nil)

	// not_between matches with high risk for an out-of-band amount.
	high := thresholdRule("r-high", 0, false, &domain.ThresholdParams{
		Operator:  domain.OpNotBetween,
		MinAmount: fptr(1000),
		MaxAmount: fptr(2000),
	})
	other := matchRule("r-other")
	comp := compositeRule("r-and", domain.CompositeAnd, "r-high", "r-other")

	result := evalSingle(engine, testTx(), []*domain.Rule{high, other, comp}, comp)
	if !result.Matched {
		t.Fatal("expected match")
	}
	if result.RiskLevel != domain.RiskHigh {
		t.Errorf("composite should carry the highest referenced risk, got %s", result.RiskLevel)
	}
}
