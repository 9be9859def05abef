package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// evalML scores the transaction through the external model endpoint.
// A call that errors or times out surfaces as an evaluator error for
// this rule only; the scorer client handles retries and circuit breaking.
func (p *pass) evalML(ctx context.Context, rule *domain.Rule, result *domain.RuleResult) error {
	params := rule.ML

	if params.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	prob, err := p.engine.scorer.Score(ctx, params.EndpointURL, params.ModelVersion, domain.Features(p.tx))
	if err != nil {
		return fmt.Errorf("scoring call failed: %w", err)
	}
	if prob < 0 || prob > 1 {
		return fmt.Errorf("scoring service returned probability %f outside [0,1]", prob)
	}

	result.Score = prob
	if prob >= params.Threshold {
		result.Matched = true
		result.Reason = fmt.Sprintf("model %s probability %.3f at or above threshold %.3f",
			params.ModelVersion, prob, params.Threshold)
		if prob >= 0.9 {
			result.RiskLevel = domain.RiskHigh
		} else {
			result.RiskLevel = domain.RiskMedium
		}
	}
	return nil
}
