package domain

import (
	"fmt"
	"time"
)

// RuleKind selects which evaluator runs a rule.
type RuleKind string

const (
	KindThreshold RuleKind = "threshold"
	KindPattern   RuleKind = "pattern"
	KindComposite RuleKind = "composite"
	KindML        RuleKind = "ml"
)

// ThresholdOperator compares the transaction amount against rule bounds.
type ThresholdOperator string

const (
	OpGreaterThan  ThresholdOperator = "gt"
	OpGreaterEqual ThresholdOperator = "gte"
	OpLessThan     ThresholdOperator = "lt"
	OpLessEqual    ThresholdOperator = "lte"
	OpEqual        ThresholdOperator = "eq"
	OpNotEqual     ThresholdOperator = "ne"
	OpBetween      ThresholdOperator = "between"
	OpNotBetween   ThresholdOperator = "not_between"
)

// CompositeOperator combines referenced rule outcomes.
type CompositeOperator string

const (
	CompositeAnd CompositeOperator = "and"
	CompositeOr  CompositeOperator = "or"
	CompositeNot CompositeOperator = "not"
)

// RiskLevel grades how suspicious a match is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtLeast reports whether l is at least as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.rank() >= other.rank()
}

func (l RiskLevel) rank() int {
	switch l {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}

// TimeWindow is a named trailing interval over which windowed
// counts and sums are aggregated.
type TimeWindow string

const (
	WindowMinute         TimeWindow = "1m"
	WindowFiveMinutes    TimeWindow = "5m"
	WindowTenMinutes     TimeWindow = "10m"
	WindowFifteenMinutes TimeWindow = "15m"
	WindowThirtyMinutes  TimeWindow = "30m"
	WindowHour           TimeWindow = "1h"
	WindowSixHours       TimeWindow = "6h"
	WindowTwelveHours    TimeWindow = "12h"
	WindowDay            TimeWindow = "1d"
	WindowWeek           TimeWindow = "1w"
	WindowMonth          TimeWindow = "1M"
)

// Duration resolves the window bucket to a concrete duration.
// A month is fixed at 30 days.
func (w TimeWindow) Duration() (time.Duration, error) {
	switch w {
	case WindowMinute:
		return time.Minute, nil
	case WindowFiveMinutes:
		return 5 * time.Minute, nil
	case WindowTenMinutes:
		return 10 * time.Minute, nil
	case WindowFifteenMinutes:
		return 15 * time.Minute, nil
	case WindowThirtyMinutes:
		return 30 * time.Minute, nil
	case WindowHour:
		return time.Hour, nil
	case WindowSixHours:
		return 6 * time.Hour, nil
	case WindowTwelveHours:
		return 12 * time.Hour, nil
	case WindowDay:
		return 24 * time.Hour, nil
	case WindowWeek:
		return 7 * 24 * time.Hour, nil
	case WindowMonth:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown time window %q", string(w))
}

// Rule is a fraud detection rule. Exactly one of the params variants
// must be populated, matching Kind.
type Rule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        RuleKind `json:"kind"`
	Enabled     bool     `json:"enabled"`

	// Priority orders evaluation: higher first, ties broken by ID
	// ascending for a deterministic sequence.
	Priority int `json:"priority"`

	// Critical forces a flagged verdict when this rule matches.
	Critical bool `json:"critical"`

	Threshold *ThresholdParams `json:"threshold,omitempty"`
	Pattern   *PatternParams   `json:"pattern,omitempty"`
	Composite *CompositeParams `json:"composite,omitempty"`
	ML        *MLParams        `json:"ml,omitempty"`

	// Audit counters, maintained by the result sink.
	ExecutionCount int64 `json:"executionCount"`
	MatchCount     int64 `json:"matchCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ThresholdParams configures a threshold rule. The amount condition and
// every configured entity cap are checked independently; the rule matches
// if any of them is violated.
type ThresholdParams struct {
	MinAmount *float64          `json:"minAmount,omitempty"`
	MaxAmount *float64          `json:"maxAmount,omitempty"`
	Operator  ThresholdOperator `json:"operator" validate:"required,oneof=gt gte lt lte eq ne between not_between"`

	// Window for the entity cap checks below.
	TimeWindow TimeWindow `json:"timeWindow,omitempty"`

	// Allowed transaction hours, inclusive start, exclusive end (0-23).
	AllowedHoursStart *int `json:"allowedHoursStart,omitempty" validate:"omitempty,gte=0,lte=23"`
	AllowedHoursEnd   *int `json:"allowedHoursEnd,omitempty" validate:"omitempty,gte=0,lte=23"`

	AllowedLocations []string `json:"allowedLocations,omitempty"`

	MaxDevicesPerAccount      *int     `json:"maxDevicesPerAccount,omitempty" validate:"omitempty,gt=0"`
	MaxIPsPerAccount          *int     `json:"maxIpsPerAccount,omitempty" validate:"omitempty,gt=0"`
	MaxVelocityAmount         *float64 `json:"maxVelocityAmount,omitempty" validate:"omitempty,gt=0"`
	MaxTransactionTypes       *int     `json:"maxTransactionTypes,omitempty" validate:"omitempty,gt=0"`
	MaxTransactionsPerAccount *int     `json:"maxTransactionsPerAccount,omitempty" validate:"omitempty,gt=0"`
	MaxTransactionsToAccount  *int     `json:"maxTransactionsToAccount,omitempty" validate:"omitempty,gt=0"`
	MaxTransactionsPerIP      *int     `json:"maxTransactionsPerIp,omitempty" validate:"omitempty,gt=0"`
}

// HasEntityCaps reports whether any windowed cap is configured.
func (p *ThresholdParams) HasEntityCaps() bool {
	return p.MaxDevicesPerAccount != nil ||
		p.MaxIPsPerAccount != nil ||
		p.MaxVelocityAmount != nil ||
		p.MaxTransactionTypes != nil ||
		p.MaxTransactionsPerAccount != nil ||
		p.MaxTransactionsToAccount != nil ||
		p.MaxTransactionsPerIP != nil
}

// PatternParams configures a pattern rule. All configured conditions must
// hold over the rolling window for the rule to match (conjunctive).
type PatternParams struct {
	Period TimeWindow `json:"period" validate:"required"`

	// Occurrence threshold: at least Count transactions in the window.
	Count *int `json:"count,omitempty" validate:"omitempty,gt=0"`

	// Sum threshold: windowed amount total at least AmountCeiling.
	AmountCeiling *float64 `json:"amountCeiling,omitempty" validate:"omitempty,gt=0"`

	// All observed transactions in the window share this transaction's
	// recipient / device.
	SameRecipient bool `json:"sameRecipient,omitempty"`
	SameDevice    bool `json:"sameDevice,omitempty"`

	// Distinct recipient cap: more than UniqueRecipients distinct
	// destinations in the window.
	UniqueRecipients *int `json:"uniqueRecipients,omitempty" validate:"omitempty,gt=0"`

	// Velocity cap: windowed amount total above VelocityLimit.
	VelocityLimit *float64 `json:"velocityLimit,omitempty" validate:"omitempty,gt=0"`
}

// CompositeParams configures a composite rule over other rules' outcomes.
// Rules references are rule ids or names. When Expression is set it is a
// CEL boolean expression over the referenced rules, evaluated instead of
// the plain operator combination.
type CompositeParams struct {
	Operator   CompositeOperator `json:"operator" validate:"required,oneof=and or not"`
	Rules      []string          `json:"rules" validate:"required,min=1,dive,required"`
	Expression string            `json:"expression,omitempty"`
}

// MLParams configures an ML-backed rule.
type MLParams struct {
	ModelVersion string  `json:"modelVersion" validate:"required"`
	Threshold    float64 `json:"threshold" validate:"gte=0,lte=1"`
	EndpointURL  string  `json:"endpointUrl" validate:"required,url"`

	// Per-call timeout in milliseconds; the engine default applies when zero.
	TimeoutMs int `json:"timeoutMs,omitempty" validate:"omitempty,gt=0"`
}

// Params returns the populated variant for the rule's kind, or nil
// when the variant is missing.
func (r *Rule) Params() any {
	switch r.Kind {
	case KindThreshold:
		if r.Threshold != nil {
			return r.Threshold
		}
	case KindPattern:
		if r.Pattern != nil {
			return r.Pattern
		}
	case KindComposite:
		if r.Composite != nil {
			return r.Composite
		}
	case KindML:
		if r.ML != nil {
			return r.ML
		}
	}
	return nil
}
