package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// evalComposite resolves each referenced rule through the pass and
// combines their boolean outcomes. A referenced rule that errored makes
// the composite itself an evaluator error: combining an unknown outcome
// would let a broken sub-rule flip the verdict.
func (p *pass) evalComposite(ctx context.Context, rule *domain.Rule, result *domain.RuleResult) error {
	params := rule.Composite

	outcomes := make(map[string]bool, len(params.Rules))
	var matchedRefs []string
	highest := domain.RiskLow

	for _, ref := range params.Rules {
		sub, err := p.resolve(ctx, ref)
		if err != nil {
			return err
		}
		if sub.Errored() {
			return fmt.Errorf("referenced rule %s errored: %s", sub.RuleID, sub.Error)
		}
		outcomes[ref] = sub.Matched
		if sub.Matched {
			matchedRefs = append(matchedRefs, sub.RuleName)
			if sub.RiskLevel.AtLeast(highest) {
				highest = sub.RiskLevel
			}
		}
	}

	var matched bool
	if params.Expression != "" {
		var err error
		matched, err = evalExpression(params.Expression, params.Rules, outcomes)
		if err != nil {
			return err
		}
	} else {
		matched = combine(params.Operator, params.Rules, outcomes)
	}

	result.Matched = matched
	if matched {
		result.Score = 1
		if highest == domain.RiskLow {
			highest = domain.RiskMedium
		}
		result.RiskLevel = highest
		result.Reason = compositeReason(params, matchedRefs)
	}
	return nil
}

func combine(op domain.CompositeOperator, refs []string, outcomes map[string]bool) bool {
	switch op {
	case domain.CompositeAnd:
		for _, ref := range refs {
			if !outcomes[ref] {
				return false
			}
		}
		return true
	case domain.CompositeOr:
		for _, ref := range refs {
			if outcomes[ref] {
				return true
			}
		}
		return false
	case domain.CompositeNot:
		return !outcomes[refs[0]]
	}
	return false
}

// evalExpression evaluates the composite's CEL expression with each
// referenced rule's outcome bound as a bool variable.
func evalExpression(expr string, refs []string, outcomes map[string]bool) (bool, error) {
	opts := make([]cel.EnvOption, 0, len(refs))
	activation := make(map[string]any, len(refs))
	for _, ref := range refs {
		opts = append(opts, cel.Variable(ref, cel.BoolType))
		activation[ref] = outcomes[ref]
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return false, fmt.Errorf("failed to create expression environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create expression program: %w", err)
	}

	out, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return bool(b), nil
}

func compositeReason(params *domain.CompositeParams, matchedRefs []string) string {
	if params.Expression != "" {
		return fmt.Sprintf("expression %q satisfied", params.Expression)
	}
	switch params.Operator {
	case domain.CompositeNot:
		return fmt.Sprintf("referenced rule %q did not match", params.Rules[0])
	case domain.CompositeAnd:
		return "all referenced rules matched: " + strings.Join(matchedRefs, ", ")
	default:
		return "referenced rules matched: " + strings.Join(matchedRefs, ", ")
	}
}
