// Package rules provides rule validation, the four condition evaluators,
// and the evaluation engine that turns a transaction plus the active rule
// set into a verdict.
package rules

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates transactions against the active rule set.
type Engine struct {
	repo   domain.Repository
	cache  domain.Cache
	agg    domain.Aggregator
	scorer domain.Scorer
	cfg    domain.EngineConfig

	validator *Validator

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a rule evaluation engine.
func NewEngine(repo domain.Repository, cache domain.Cache, agg domain.Aggregator, scorer domain.Scorer, cfg domain.EngineConfig) *Engine {
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = 5 * time.Second
	}
	if cfg.MaxCompositeDepth <= 0 {
		cfg.MaxCompositeDepth = 5
	}
	if cfg.RuleCacheTTL <= 0 {
		cfg.RuleCacheTTL = 30 * time.Second
	}
	return &Engine{
		repo:      repo,
		cache:     cache,
		agg:       agg,
		scorer:    scorer,
		cfg:       cfg,
		validator: NewValidator(),
		now:       time.Now,
	}
}

// Validator exposes the engine's rule validator for the admin surface.
func (e *Engine) Validator() *Validator {
	return e.validator
}

// ActiveRules returns the enabled rule set ordered by (priority desc,
// id asc). The set is cached with a bounded staleness window so rule
// edits become visible within RuleCacheTTL.
func (e *Engine) ActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	if e.cache != nil {
		if data, err := e.cache.Get(ctx, domain.CacheKeyActiveRules); err == nil && data != nil {
			var set []*domain.Rule
			if err := json.Unmarshal(data, &set); err == nil {
				return set, nil
			}
			slog.Warn("discarding undecodable cached rule set")
		}
	}

	set, err := e.repo.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	OrderRules(set)

	if e.cache != nil {
		if data, err := json.Marshal(set); err == nil {
			if err := e.cache.Set(ctx, domain.CacheKeyActiveRules, data, e.cfg.RuleCacheTTL); err != nil {
				slog.Warn("failed to cache active rule set", "error", err)
			}
		}
	}
	return set, nil
}

// InvalidateRules drops the cached rule set so the next evaluation
// reloads from the store. Called by the admin surface after rule edits.
func (e *Engine) InvalidateRules(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, domain.CacheKeyActiveRules); err != nil {
		slog.Warn("failed to invalidate rule cache", "error", err)
	}
}

// OrderRules sorts a rule set into the deterministic evaluation order:
// priority descending, ties broken by id ascending.
func OrderRules(set []*domain.Rule) {
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].Priority != set[j].Priority {
			return set[i].Priority > set[j].Priority
		}
		return set[i].ID < set[j].ID
	})
}

// Evaluate runs every active rule against the transaction in priority
// order with per-rule error isolation, and aggregates the outcomes into
// a verdict. The caller bounds total evaluation time through ctx; on
// expiry the verdict is failed with partial results preserved.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Verdict, error) {
	start := e.now()

	set, err := e.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	return e.EvaluateWithRules(ctx, tx, set, start), nil
}

// EvaluateWithRules evaluates against an explicit rule set. The set must
// already be in evaluation order.
func (e *Engine) EvaluateWithRules(ctx context.Context, tx *domain.Transaction, set []*domain.Rule, start time.Time) *domain.Verdict {
	p := newPass(e, tx, set)

	results := make([]domain.RuleResult, 0, len(set))
	timedOut := false

	for _, rule := range set {
		if ctx.Err() != nil {
			timedOut = true
			slog.Warn("evaluation deadline reached, preserving partial results",
				"tx_id", tx.ID,
				"rules_done", len(results),
				"rules_total", len(set),
			)
			break
		}

		result := p.evaluate(ctx, rule)
		results = append(results, *result)

		if result.Errored() {
			slog.Warn("rule evaluation error",
				"tx_id", tx.ID,
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"error", result.Error,
			)
		} else if result.Matched {
			slog.Info("rule matched",
				"tx_id", tx.ID,
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"critical", rule.Critical,
				"risk_level", result.RiskLevel,
				"reason", result.Reason,
			)
		}
	}

	verdict := decide(tx, results, timedOut)
	verdict.ID = uuid.New().String()
	verdict.TotalMs = e.now().Sub(start).Milliseconds()
	verdict.Timestamp = e.now().UTC()

	slog.Info("transaction evaluated",
		"tx_id", tx.ID,
		"correlation_id", tx.CorrelationID,
		"status", verdict.Status,
		"risk_level", verdict.RiskLevel,
		"rules_evaluated", verdict.RulesEvaluated,
		"rules_matched", verdict.RulesMatched,
		"rules_errored", verdict.RulesErrored,
		"duration_ms", verdict.TotalMs,
	)
	return verdict
}
