package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// evalPattern checks windowed behavior over the rule's period. Pattern
// semantics are conjunctive: every configured condition must hold for
// the rule to match.
func (p *pass) evalPattern(rule *domain.Rule, result *domain.RuleResult) error {
	params := rule.Pattern
	w, err := params.Period.Duration()
	if err != nil {
		return err
	}

	agg := p.engine.agg
	from := domain.AccountKey(p.tx.FromAccount)

	count := agg.Count(from, domain.MetricOutgoing, w)
	result.Score = float64(count)

	var reasons []string

	if params.Count != nil {
		if count < *params.Count {
			return nil
		}
		reasons = append(reasons, fmt.Sprintf("%d transactions in %s (threshold %d)", count, params.Period, *params.Count))
	}

	if params.AmountCeiling != nil {
		sum := agg.Sum(from, domain.MetricOutgoing, w)
		if sum < *params.AmountCeiling {
			return nil
		}
		reasons = append(reasons, fmt.Sprintf("total %.2f in %s (ceiling %.2f)", sum, params.Period, *params.AmountCeiling))
	}

	if params.SameRecipient {
		if !agg.AllShare(from, domain.MetricOutgoing, w, p.tx.ToAccount) {
			return nil
		}
		reasons = append(reasons, "all transactions in window share recipient "+p.tx.ToAccount)
	}

	if params.SameDevice {
		if p.tx.DeviceID == "" || !agg.AllShare(from, domain.MetricDevices, w, p.tx.DeviceID) {
			return nil
		}
		reasons = append(reasons, "all transactions in window share device "+p.tx.DeviceID)
	}

	if params.UniqueRecipients != nil {
		n := agg.Distinct(from, domain.MetricOutgoing, w)
		if n <= *params.UniqueRecipients {
			return nil
		}
		reasons = append(reasons, fmt.Sprintf("%d distinct recipients in %s (cap %d)", n, params.Period, *params.UniqueRecipients))
	}

	if params.VelocityLimit != nil {
		sum := agg.Sum(from, domain.MetricOutgoing, w)
		if sum <= *params.VelocityLimit {
			return nil
		}
		reasons = append(reasons, fmt.Sprintf("outgoing velocity %.2f in %s (limit %.2f)", sum, params.Period, *params.VelocityLimit))
	}

	result.Matched = true
	result.Reason = strings.Join(reasons, "; ")
	result.RiskLevel = domain.RiskMedium
	return nil
}
