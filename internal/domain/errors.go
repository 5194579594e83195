package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrFingerprintingFailed means the signals could not be normalized or hashed.
	// It is the only error that aborts an assessment.
	ErrFingerprintingFailed = errors.New("fingerprinting failed")

	// ErrFingerprintNotFound is returned by admin operations on an id the registry never saw.
	// Plain lookups report unknown ids as "no data" instead.
	ErrFingerprintNotFound = errors.New("fingerprint not found")

	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
	ErrInvalidRule  = errors.New("invalid rule")

	// ErrConcurrentModification is returned when a versioned write lost the race
	// and the bounded retry budget was exhausted.
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrAlreadyReviewed    = errors.New("assessment already reviewed")

	// ErrNotFound is the repository-level miss.
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// RuleEvaluationError wraps a failure inside a single rule's evaluation.
// The engine converts it into a non-triggered result.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }
