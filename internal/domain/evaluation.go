package domain

import (
	"time"
)

// RuleResult is the output of evaluating a single rule against a transaction.
type RuleResult struct {
	RuleID   string   `json:"ruleId"`
	RuleName string   `json:"ruleName"`
	Kind     RuleKind `json:"kind"`

	Matched bool `json:"matched"`

	// Score is kind-specific detail: the ML probability, the compared
	// amount for threshold rules, the windowed count for pattern rules.
	Score float64 `json:"score"`

	RiskLevel RiskLevel `json:"riskLevel"`

	// Reason is the human-readable explanation of the match.
	Reason string `json:"reason,omitempty"`

	// Error is set when the evaluator failed; a rule that errored is
	// neither a match nor a non-match.
	Error string `json:"error,omitempty"`

	ExecutionMs int64     `json:"executionTimeMs"`
	ExecutedAt  time.Time `json:"executedAt"`
}

// Errored reports whether the evaluator failed for this rule.
func (r *RuleResult) Errored() bool {
	return r.Error != ""
}

// Verdict is the final per-transaction disposition produced by the
// evaluation engine, with the full per-rule audit trail.
type Verdict struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	CorrelationID string `json:"correlationId"`

	Status    TransactionStatus `json:"status"`
	RiskLevel RiskLevel         `json:"riskLevel"`

	// RuleResults preserves the deterministic evaluation order.
	RuleResults    []RuleResult `json:"ruleResults"`
	MatchedRuleIDs []string     `json:"matchedRuleIds,omitempty"`

	RulesEvaluated int `json:"rulesEvaluated"`
	RulesMatched   int `json:"rulesMatched"`
	RulesErrored   int `json:"rulesErrored"`

	TotalMs   int64     `json:"totalTimeMs"`
	TraceID   string    `json:"traceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Flagged reports whether the verdict requires attention (flagged or failed).
func (v *Verdict) Flagged() bool {
	return v.Status == StatusFlagged || v.Status == StatusFailed
}

// Reasons extracts human-readable reasons from the matched rules.
func (v *Verdict) Reasons() []string {
	var reasons []string
	for _, r := range v.RuleResults {
		if r.Matched && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}

// ReviewRequest is the API payload for a manual review decision on a
// flagged or failed transaction.
type ReviewRequest struct {
	Decision TransactionStatus `json:"decision" validate:"required,oneof=accepted rejected"`
	Comment  string            `json:"comment" validate:"required,min=1,max=1000"`
	Reviewer string            `json:"reviewer,omitempty"`
}
