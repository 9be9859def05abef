package rules

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validator checks rule definitions at save time and at load time, so
// that malformed rules never reach evaluation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a rule validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateRule checks structural and cross-field constraints for a single
// rule. siblings is the rule set the rule will live in (existing rules
// plus the candidate), used for composite reference and cycle checks.
func (v *Validator) ValidateRule(rule *domain.Rule, siblings []*domain.Rule) error {
	if rule.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}

	// Exactly one params variant, matching the kind.
	if err := v.checkVariant(rule); err != nil {
		return err
	}

	switch rule.Kind {
	case domain.KindThreshold:
		if err := v.validate.Struct(rule.Threshold); err != nil {
			return &domain.ValidationError{Field: "threshold", Reason: err.Error()}
		}
		return v.checkThreshold(rule.Threshold)
	case domain.KindPattern:
		if err := v.validate.Struct(rule.Pattern); err != nil {
			return &domain.ValidationError{Field: "pattern", Reason: err.Error()}
		}
		return v.checkPattern(rule.Pattern)
	case domain.KindComposite:
		if err := v.validate.Struct(rule.Composite); err != nil {
			return &domain.ValidationError{Field: "composite", Reason: err.Error()}
		}
		return v.checkComposite(rule, siblings)
	case domain.KindML:
		if err := v.validate.Struct(rule.ML); err != nil {
			return &domain.ValidationError{Field: "ml", Reason: err.Error()}
		}
		return nil
	}
	return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", rule.Kind)}
}

// ValidateSet checks a whole rule set, as done when loading active rules.
func (v *Validator) ValidateSet(set []*domain.Rule) error {
	for _, rule := range set {
		if err := v.ValidateRule(rule, set); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func (v *Validator) checkVariant(rule *domain.Rule) error {
	populated := 0
	if rule.Threshold != nil {
		populated++
	}
	if rule.Pattern != nil {
		populated++
	}
	if rule.Composite != nil {
		populated++
	}
	if rule.ML != nil {
		populated++
	}
	if populated == 0 {
		return &domain.ValidationError{Field: "params", Reason: "missing params for kind " + string(rule.Kind)}
	}
	if populated > 1 {
		return &domain.ValidationError{Field: "params", Reason: "multiple params variants populated"}
	}
	if rule.Params() == nil {
		return &domain.ValidationError{Field: "params", Reason: "params variant does not match kind " + string(rule.Kind)}
	}
	return nil
}

func (v *Validator) checkThreshold(p *domain.ThresholdParams) error {
	switch p.Operator {
	case domain.OpBetween, domain.OpNotBetween:
		if p.MinAmount == nil || p.MaxAmount == nil {
			return &domain.ValidationError{Field: "threshold", Reason: string(p.Operator) + " requires both minAmount and maxAmount"}
		}
		if *p.MinAmount > *p.MaxAmount {
			return &domain.ValidationError{Field: "threshold", Reason: "minAmount must not exceed maxAmount"}
		}
	default:
		// Unary operators need a single bound when the rule checks the
		// amount at all; a pure caps/hours/location rule may omit both.
		if p.MinAmount != nil && p.MaxAmount != nil {
			return &domain.ValidationError{Field: "threshold", Reason: string(p.Operator) + " takes a single bound"}
		}
	}

	if (p.AllowedHoursStart == nil) != (p.AllowedHoursEnd == nil) {
		return &domain.ValidationError{Field: "threshold", Reason: "allowed hours require both start and end"}
	}
	if p.AllowedHoursStart != nil && *p.AllowedHoursEnd <= *p.AllowedHoursStart {
		return &domain.ValidationError{Field: "threshold", Reason: "allowedHoursEnd must be greater than allowedHoursStart"}
	}

	if p.HasEntityCaps() || p.TimeWindow != "" {
		if _, err := windowOrDefault(p.TimeWindow); err != nil {
			return &domain.ValidationError{Field: "threshold.timeWindow", Reason: err.Error()}
		}
	}

	if p.MinAmount == nil && p.MaxAmount == nil && !p.HasEntityCaps() &&
		p.AllowedHoursStart == nil && len(p.AllowedLocations) == 0 {
		return &domain.ValidationError{Field: "threshold", Reason: "no condition configured"}
	}
	return nil
}

func (v *Validator) checkPattern(p *domain.PatternParams) error {
	if _, err := p.Period.Duration(); err != nil {
		return &domain.ValidationError{Field: "pattern.period", Reason: err.Error()}
	}
	if p.Count == nil && p.AmountCeiling == nil && !p.SameRecipient && !p.SameDevice &&
		p.UniqueRecipients == nil && p.VelocityLimit == nil {
		return &domain.ValidationError{Field: "pattern", Reason: "no condition configured"}
	}
	return nil
}

func (v *Validator) checkComposite(rule *domain.Rule, siblings []*domain.Rule) error {
	p := rule.Composite
	switch p.Operator {
	case domain.CompositeNot:
		if len(p.Rules) != 1 {
			return &domain.ValidationError{Field: "composite.rules", Reason: "not requires exactly one referenced rule"}
		}
	case domain.CompositeAnd, domain.CompositeOr:
		if len(p.Rules) < 2 {
			return &domain.ValidationError{Field: "composite.rules", Reason: string(p.Operator) + " requires at least two referenced rules"}
		}
	}

	index := indexRules(siblings)
	for _, ref := range p.Rules {
		if ref == rule.ID || ref == rule.Name {
			return &domain.ValidationError{Field: "composite.rules", Reason: "rule references itself"}
		}
		if _, ok := index[ref]; !ok {
			return &domain.ValidationError{Field: "composite.rules", Reason: fmt.Sprintf("referenced rule %q not found", ref)}
		}
	}

	if p.Expression != "" {
		if err := compileExpression(p.Expression, p.Rules); err != nil {
			return &domain.ValidationError{Field: "composite.expression", Reason: err.Error()}
		}
	}

	return v.checkCycles(rule, index)
}

// checkCycles walks the composite reference graph from rule using
// gray/black coloring over rule ids.
func (v *Validator) checkCycles(rule *domain.Rule, index map[string]*domain.Rule) error {
	visiting := make(map[string]bool)
	done := make(map[string]bool)

	var walk func(r *domain.Rule) error
	walk = func(r *domain.Rule) error {
		if done[r.ID] {
			return nil
		}
		if visiting[r.ID] {
			return &domain.ValidationError{Field: "composite.rules", Reason: fmt.Sprintf("cycle through rule %s", r.ID)}
		}
		visiting[r.ID] = true
		defer delete(visiting, r.ID)

		if r.Kind == domain.KindComposite && r.Composite != nil {
			for _, ref := range r.Composite.Rules {
				next, ok := index[ref]
				if !ok {
					// Dangling reference in a sibling; reported when that
					// sibling itself is validated.
					continue
				}
				if err := walk(next); err != nil {
					return err
				}
			}
		}
		done[r.ID] = true
		return nil
	}

	return walk(rule)
}

// compileExpression checks a composite CEL expression: every referenced
// rule becomes a bool variable and the expression must yield bool.
func compileExpression(expr string, refs []string) error {
	opts := make([]cel.EnvOption, 0, len(refs))
	for _, ref := range refs {
		opts = append(opts, cel.Variable(ref, cel.BoolType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return fmt.Errorf("failed to create expression environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return nil
}

// indexRules maps ids and names to rules for reference resolution.
func indexRules(set []*domain.Rule) map[string]*domain.Rule {
	index := make(map[string]*domain.Rule, len(set)*2)
	for _, r := range set {
		index[r.ID] = r
		if r.Name != "" {
			index[r.Name] = r
		}
	}
	return index
}

// windowOrDefault resolves a threshold rule's cap window, defaulting to
// one hour when unset.
func windowOrDefault(w domain.TimeWindow) (time.Duration, error) {
	if w == "" {
		w = domain.WindowHour
	}
	return w.Duration()
}
