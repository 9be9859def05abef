package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCycleDetected is returned when composite rule references form a
	// cycle. Treated as an evaluator error for the offending rule only.
	ErrCycleDetected = errors.New("composite rule cycle detected")

	// ErrEvaluatorTimeout is returned when a single rule ran past its
	// per-rule deadline.
	ErrEvaluatorTimeout = errors.New("rule evaluation timed out")

	// ErrUnknownRule is returned when a composite references a rule that
	// is not part of the active set.
	ErrUnknownRule = errors.New("referenced rule not found")
)

// ValidationError reports a structural or cross-field problem with a rule
// definition. Rejected at save time, never reaches evaluation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid rule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

// RuleError wraps an evaluator failure with the rule it belongs to, so
// that per-rule errors stay isolated from the transaction's verdict.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }
