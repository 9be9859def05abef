package rules

import (
	"fmt"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// evalThreshold applies the amount operator and every configured entity
// cap. Conditions are disjunctive: the rule matches as soon as one is
// violated, and the first violation becomes the match reason.
func (p *pass) evalThreshold(rule *domain.Rule, result *domain.RuleResult) error {
	params := rule.Threshold
	tx := p.tx
	result.Score = tx.Amount

	if matched, reason, risk := amountViolation(params, tx.Amount); matched {
		result.Matched = true
		result.Reason = reason
		result.RiskLevel = risk
		return nil
	}

	if params.AllowedHoursStart != nil && params.AllowedHoursEnd != nil {
		hour := tx.Timestamp.Hour()
		if hour < *params.AllowedHoursStart || hour >= *params.AllowedHoursEnd {
			result.Matched = true
			result.Reason = fmt.Sprintf("transaction at hour %d outside allowed window %d-%d",
				hour, *params.AllowedHoursStart, *params.AllowedHoursEnd)
			result.RiskLevel = domain.RiskMedium
			return nil
		}
	}

	if len(params.AllowedLocations) > 0 && tx.Location != "" {
		if !slices.Contains(params.AllowedLocations, tx.Location) {
			result.Matched = true
			result.Reason = fmt.Sprintf("location %q not in allowed list", tx.Location)
			result.RiskLevel = domain.RiskHigh
			return nil
		}
	}

	if params.HasEntityCaps() {
		if reason := p.capViolation(params); reason != "" {
			result.Matched = true
			result.Reason = reason
			result.RiskLevel = domain.RiskMedium
			return nil
		}
	}

	return nil
}

// amountViolation checks the operator against the configured bounds.
// Between bounds are inclusive. Unary operators compare against
// maxAmount when set, otherwise minAmount.
func amountViolation(p *domain.ThresholdParams, amount float64) (bool, string, domain.RiskLevel) {
	switch p.Operator {
	case domain.OpBetween:
		if p.MinAmount == nil || p.MaxAmount == nil {
			return false, "", domain.RiskLow
		}
		if amount >= *p.MinAmount && amount <= *p.MaxAmount {
			return true, fmt.Sprintf("amount %.2f within [%.2f, %.2f]", amount, *p.MinAmount, *p.MaxAmount), domain.RiskMedium
		}
		return false, "", domain.RiskLow

	case domain.OpNotBetween:
		if p.MinAmount == nil || p.MaxAmount == nil {
			return false, "", domain.RiskLow
		}
		if amount < *p.MinAmount || amount > *p.MaxAmount {
			return true, fmt.Sprintf("amount %.2f outside [%.2f, %.2f]", amount, *p.MinAmount, *p.MaxAmount), domain.RiskHigh
		}
		return false, "", domain.RiskLow
	}

	bound := p.MaxAmount
	if bound == nil {
		bound = p.MinAmount
	}
	if bound == nil {
		return false, "", domain.RiskLow
	}

	var hit bool
	switch p.Operator {
	case domain.OpGreaterThan:
		hit = amount > *bound
	case domain.OpGreaterEqual:
		hit = amount >= *bound
	case domain.OpLessThan:
		hit = amount < *bound
	case domain.OpLessEqual:
		hit = amount <= *bound
	case domain.OpEqual:
		hit = amount == *bound
	case domain.OpNotEqual:
		hit = amount != *bound
	}
	if !hit {
		return false, "", domain.RiskLow
	}

	risk := domain.RiskMedium
	if p.MaxAmount != nil && amount > *p.MaxAmount {
		risk = domain.RiskHigh
	}
	return true, fmt.Sprintf("amount %.2f %s bound %.2f", amount, p.Operator, *bound), risk
}

// capViolation issues windowed queries for each configured cap and
// returns the first violation's reason, or empty.
func (p *pass) capViolation(params *domain.ThresholdParams) string {
	agg := p.engine.agg
	w := observeWindow(params.TimeWindow)
	from := domain.AccountKey(p.tx.FromAccount)

	if c := params.MaxDevicesPerAccount; c != nil {
		if n := agg.Distinct(from, domain.MetricDevices, w); n > *c {
			return fmt.Sprintf("%d devices used by account in %s, cap %d", n, w, *c)
		}
	}
	if c := params.MaxIPsPerAccount; c != nil {
		if n := agg.Distinct(from, domain.MetricIPs, w); n > *c {
			return fmt.Sprintf("%d source IPs for account in %s, cap %d", n, w, *c)
		}
	}
	if c := params.MaxVelocityAmount; c != nil {
		if sum := agg.Sum(from, domain.MetricOutgoing, w); sum > *c {
			return fmt.Sprintf("outgoing total %.2f in %s, cap %.2f", sum, w, *c)
		}
	}
	if c := params.MaxTransactionTypes; c != nil {
		if n := agg.Distinct(from, domain.MetricTypes, w); n > *c {
			return fmt.Sprintf("%d transaction types used in %s, cap %d", n, w, *c)
		}
	}
	if c := params.MaxTransactionsPerAccount; c != nil {
		if n := agg.Count(from, domain.MetricOutgoing, w); n > *c {
			return fmt.Sprintf("%d transactions from account in %s, cap %d", n, w, *c)
		}
	}
	if c := params.MaxTransactionsToAccount; c != nil {
		if n := agg.Count(domain.AccountKey(p.tx.ToAccount), domain.MetricIncoming, w); n > *c {
			return fmt.Sprintf("%d transactions to account in %s, cap %d", n, w, *c)
		}
	}
	if c := params.MaxTransactionsPerIP; c != nil && p.tx.IPAddress != "" {
		if n := agg.Count(domain.IPKey(p.tx.IPAddress), domain.MetricSource, w); n > *c {
			return fmt.Sprintf("%d transactions from IP in %s, cap %d", n, w, *c)
		}
	}
	return ""
}
