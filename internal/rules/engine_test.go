package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubRepo struct {
	domain.Repository

	mu    sync.Mutex
	rules []*domain.Rule
	calls int
}

func (s *stubRepo) ListActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.rules, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, nil
}

func (c *mapCache) Ping(ctx context.Context) error { return nil }
func (c *mapCache) Close() error                   { return nil }

func TestOrderRulesDeterministic(t *testing.T) {
	set := []*domain.Rule{
		matchRule("r-c"),
		matchRule("r-a"),
		matchRule("r-b"),
	}
	set[0].Priority = 1
	set[1].Priority = 5
	set[2].Priority = 5

	OrderRules(set)

	got := []string{set[0].ID, set[1].ID, set[2].ID}
	want := []string{"r-a", "r-b", "r-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestEvaluateApprovesCleanTransaction(t *testing.T) {
	engine := testEngine(nil, nil)
	set := []*domain.Rule{missRule("r-a"), missRule("r-b")}

	verdict := engine.EvaluateWithRules(context.Background(), testTx(), set, time.Now())
	if verdict.Status != domain.StatusApproved {
		t.Errorf("status %s, want approved", verdict.Status)
	}
	if verdict.RulesEvaluated != 2 || verdict.RulesMatched != 0 {
		t.Errorf("evaluated=%d matched=%d, want 2/0", verdict.RulesEvaluated, verdict.RulesMatched)
	}
	if verdict.ID == "" {
		t.Error("verdict should carry an id")
	}
	if verdict.Flagged() {
		t.Error("approved verdict should not report flagged")
	}
}

func TestCriticalMatchFlagsButEvaluationContinues(t *testing.T) {
	engine := testEngine(nil, nil)

	critical := thresholdRule("r-crit", 5, true, &domain.ThresholdParams{
		Operator:  domain.OpGreaterThan,
		MaxAmount: fptr(100),
	})
	later := missRule("r-later")
	set := []*domain.Rule{critical, later}
	OrderRules(set)

	verdict := engine.EvaluateWithRules(context.Background(), testTx(), set, time.Now())

	if verdict.Status != domain.StatusFlagged {
		t.Errorf("status %s, want flagged", verdict.Status)
	}
	if verdict.RiskLevel != domain.RiskCritical {
		t.Errorf("risk %s, want critical", verdict.RiskLevel)
	}
	// Remaining rules still run for the audit trail.
	if verdict.RulesEvaluated != 2 {
		t.Errorf("evaluated %d rules, want 2", verdict.RulesEvaluated)
	}
	if len(verdict.MatchedRuleIDs) != 1 || verdict.MatchedRuleIDs[0] != "r-crit" {
		t.Errorf("matched ids %v, want [r-crit]", verdict.MatchedRuleIDs)
	}
}

func TestRuleErrorIsolation(t *testing.T) {
	scorer := &stubScorer{err: errors.New("scoring backend down")}
	engine := testEngine(nil, scorer)

	set := []*domain.Rule{
		mlRule("r-ml", 0.5),
		thresholdRule("r-amount", 0, false, &domain.ThresholdParams{
			Operator:  domain.OpGreaterThan,
			MaxAmount: fptr(100),
		}),
	}
	OrderRules(set)

	verdict := engine.EvaluateWithRules(context.Background(), testTx(), set, time.Now())

	// The ML failure must not block the threshold match.
	if verdict.Status != domain.StatusFlagged {
		t.Errorf("status %s, want flagged despite the errored rule", verdict.Status)
	}
	if verdict.RulesErrored != 1 || verdict.RulesMatched != 1 {
		t.Errorf("errored=%d matched=%d, want 1/1", verdict.RulesErrored, verdict.RulesMatched)
	}
}

func TestAllRulesErroredFails(t *testing.T) {
	scorer := &stubScorer{err: errors.New("scoring backend down")}
	engine := testEngine(nil, scorer)

	set := []*domain.Rule{mlRule("r-ml1", 0.5), mlRule("r-ml2", 0.8)}

	verdict := engine.EvaluateWithRules(context.Background(), testTx(), set, time.Now())
	if verdict.Status != domain.StatusFailed {
		t.Errorf("status %s, want failed when every rule errored", verdict.Status)
	}
	if verdict.RulesErrored != 2 {
		t.Errorf("errored %d, want 2", verdict.RulesErrored)
	}
}

func TestNoRulesApproves(t *testing.T) {
	engine := testEngine(nil, nil)
	verdict := engine.EvaluateWithRules(context.Background(), testTx(), nil, time.Now())
	if verdict.Status != domain.StatusApproved {
		t.Errorf("status %s, want approved for an empty rule set", verdict.Status)
	}
}

func TestHungRuleHitsPerRuleTimeout(t *testing.T) {
	scorer := &stubScorer{block: true}
	engine := testEngine(nil, scorer)

	set := []*domain.Rule{
		mlRule("r-hung", 0.5),
		thresholdRule("r-amount", 0, false, &domain.ThresholdParams{
			Operator:  domain.OpGreaterThan,
			MaxAmount: fptr(100),
		}),
	}

	start := time.Now()
	verdict := engine.EvaluateWithRules(context.Background(), testTx(), set, start)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("per-rule timeout did not bound the hung rule: took %s", elapsed)
	}
	if verdict.RulesErrored != 1 {
		t.Errorf("errored %d, want the hung rule isolated as 1", verdict.RulesErrored)
	}
	if verdict.Status != domain.StatusFlagged {
		t.Errorf("status %s, want flagged from the surviving threshold rule", verdict.Status)
	}
}

func TestDeadlinePreservesPartialResults(t *testing.T) {
	engine := testEngine(nil, nil)

	set := []*domain.Rule{matchRule("r-1"), matchRule("r-2"), matchRule("r-3")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verdict := engine.EvaluateWithRules(ctx, testTx(), set, time.Now())
	if verdict.Status != domain.StatusFailed {
		t.Errorf("status %s, want failed on an expired evaluation deadline", verdict.Status)
	}
	if verdict.RulesEvaluated != 0 {
		t.Errorf("evaluated %d, want 0 with the deadline already expired", verdict.RulesEvaluated)
	}
}

func TestActiveRulesCached(t *testing.T) {
	repo := &stubRepo{rules: []*domain.Rule{matchRule("r-a")}}
	cache := newMapCache()
	engine := NewEngine(repo, cache, nil, nil, domain.EngineConfig{
		RuleTimeout:  time.Second,
		RuleCacheTTL: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		set, err := engine.ActiveRules(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(set) != 1 || set[0].ID != "r-a" {
			t.Fatalf("unexpected rule set %v", set)
		}
	}
	if repo.calls != 1 {
		t.Errorf("store hit %d times across 3 loads, want 1 (cached)", repo.calls)
	}

	engine.InvalidateRules(ctx)
	if _, err := engine.ActiveRules(ctx); err != nil {
		t.Fatal(err)
	}
	if repo.calls != 2 {
		t.Errorf("store hit %d times after invalidation, want 2", repo.calls)
	}
}

func TestVerdictReasons(t *testing.T) {
	engine := testEngine(nil, nil)
	set := []*domain.Rule{matchRule("r-a"), missRule("r-b")}

	verdict := engine.EvaluateWithRules(context.Background(), testTx(), set, time.Now())
	reasons := verdict.Reasons()
	if len(reasons) != 1 {
		t.Fatalf("got %d reasons, want 1", len(reasons))
	}
}
