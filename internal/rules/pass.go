package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// pass carries the state of one transaction's evaluation: the active rule
// set indexed by id and name, per-rule memoized results, and the
// visiting-set used to detect composite reference cycles.
type pass struct {
	engine *Engine
	tx     *domain.Transaction
	index  map[string]*domain.Rule

	// memo caches each rule's result within this pass, so multiple
	// composites referencing the same base rule evaluate it once.
	memo map[string]*domain.RuleResult

	// visiting holds ids of rules currently on the resolution stack.
	visiting map[string]bool

	depth int
}

func newPass(e *Engine, tx *domain.Transaction, set []*domain.Rule) *pass {
	return &pass{
		engine:   e,
		tx:       tx,
		index:    indexRules(set),
		memo:     make(map[string]*domain.RuleResult, len(set)),
		visiting: make(map[string]bool),
	}
}

// evaluate runs one rule with per-rule timeout and error isolation,
// memoizing the result for the rest of the pass.
func (p *pass) evaluate(ctx context.Context, rule *domain.Rule) *domain.RuleResult {
	if cached, ok := p.memo[rule.ID]; ok {
		return cached
	}

	// Gray the rule while it is on the stack: a composite reaching back
	// to it is a cycle.
	p.visiting[rule.ID] = true
	defer delete(p.visiting, rule.ID)

	start := p.engine.now()
	result := &domain.RuleResult{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Kind:       rule.Kind,
		RiskLevel:  domain.RiskLow,
		ExecutedAt: start.UTC(),
	}

	ruleCtx, cancel := context.WithTimeout(ctx, p.engine.cfg.RuleTimeout)
	err := p.dispatch(ruleCtx, rule, result)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.ErrEvaluatorTimeout
		}
		result.Matched = false
		result.Error = err.Error()
	} else if result.Matched && rule.Critical {
		result.RiskLevel = domain.RiskCritical
	}

	result.ExecutionMs = p.engine.now().Sub(start).Milliseconds()
	p.memo[rule.ID] = result
	return result
}

func (p *pass) dispatch(ctx context.Context, rule *domain.Rule, result *domain.RuleResult) error {
	switch rule.Kind {
	case domain.KindThreshold:
		return p.evalThreshold(rule, result)
	case domain.KindPattern:
		return p.evalPattern(rule, result)
	case domain.KindComposite:
		return p.evalComposite(ctx, rule, result)
	case domain.KindML:
		return p.evalML(ctx, rule, result)
	}
	return fmt.Errorf("unknown rule kind %q", rule.Kind)
}

// resolve evaluates a referenced rule for a composite, guarding against
// cycles via the visiting-set and a depth cap.
func (p *pass) resolve(ctx context.Context, ref string) (*domain.RuleResult, error) {
	rule, ok := p.index[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRule, ref)
	}
	if p.visiting[rule.ID] {
		return nil, fmt.Errorf("%w: via rule %s", domain.ErrCycleDetected, rule.ID)
	}
	if p.depth >= p.engine.cfg.MaxCompositeDepth {
		return nil, fmt.Errorf("%w: depth limit %d reached", domain.ErrCycleDetected, p.engine.cfg.MaxCompositeDepth)
	}

	p.depth++
	result := p.evaluate(ctx, rule)
	p.depth--

	return result, nil
}

// observeWindow resolves the duration a threshold cap check spans.
func observeWindow(w domain.TimeWindow) time.Duration {
	d, err := windowOrDefault(w)
	if err != nil {
		// Validation rejects unknown windows before evaluation; fall
		// back to the default rather than failing the rule here.
		return time.Hour
	}
	return d
}
