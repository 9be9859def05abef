package rules

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// decide aggregates per-rule results into the final disposition.
//
// Policy: a critical match forces flagged regardless of other rules;
// any match flags; no match approves; a transaction whose every executed
// rule errored is failed, as is one that ran out of evaluation time.
func decide(tx *domain.Transaction, results []domain.RuleResult, timedOut bool) *domain.Verdict {
	v := &domain.Verdict{
		TransactionID:  tx.ID,
		CorrelationID:  tx.CorrelationID,
		RuleResults:    results,
		RulesEvaluated: len(results),
		RiskLevel:      domain.RiskLow,
	}

	for _, r := range results {
		if r.Errored() {
			v.RulesErrored++
			continue
		}
		if r.Matched {
			v.RulesMatched++
			v.MatchedRuleIDs = append(v.MatchedRuleIDs, r.RuleID)
			if r.RiskLevel.AtLeast(v.RiskLevel) {
				v.RiskLevel = r.RiskLevel
			}
		}
	}

	switch {
	case timedOut:
		v.Status = domain.StatusFailed
	case v.RulesMatched > 0:
		v.Status = domain.StatusFlagged
	case v.RulesEvaluated > 0 && v.RulesErrored == v.RulesEvaluated:
		// Nothing detected is different from nothing working.
		v.Status = domain.StatusFailed
	default:
		v.Status = domain.StatusApproved
	}

	return v
}
