// Package errors provides standardized error types for join and aggregation operations.
// This package defines JoinError for consistent error handling across
// all public APIs, with operation context, a failure kind and error wrapping support.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a JoinError so callers can tell configuration mistakes
// apart from bad input, broken invariants and empty results.
type Kind int

const (
	// KindInternal is an unexpected failure inside the kernel.
	KindInternal Kind = iota
	// KindConfiguration is a rejected configuration (thread count, tunables).
	KindConfiguration
	// KindInvalidInput is a rejected relation (lengths, reserved keys, duplicates).
	KindInvalidInput
	// KindConsistency is a broken invariant of a lock-free table.
	KindConsistency
	// KindNoResults means no outer tuple matched, so no average exists.
	KindNoResults
	// KindResourceExhausted means a shared table could not be allocated or filled.
	KindResourceExhausted
	// KindCanceled means the join was canceled before all phases completed.
	KindCanceled
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindConfiguration:
		return "configuration"
	case KindInvalidInput:
		return "invalid input"
	case KindConsistency:
		return "consistency"
	case KindNoResults:
		return "no results"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// JoinError represents standardized errors across all join operations
type JoinError struct {
	Op      string // Operation name (e.g., "RunJoinAggregate", "Insert")
	Phase   string // Protocol phase if applicable (e.g., "build", "reduce")
	Kind    Kind   // Failure class
	Message string // Human-readable error description
	Cause   error  // Underlying error cause
}

// Error implements the error interface
func (e *JoinError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Phase != "" {
		return fmt.Sprintf("%s operation failed in %s phase: %s", e.Op, e.Phase, msg)
	}
	return fmt.Sprintf("%s operation failed: %s", e.Op, msg)
}

// Unwrap returns the underlying cause for error wrapping support
func (e *JoinError) Unwrap() error {
	return e.Cause
}

// Is implements error equality checking for errors.Is().
// A target carrying only a Kind (the predefined sentinels) matches every
// error of that kind.
func (e *JoinError) Is(target error) bool {
	je, ok := target.(*JoinError)
	if !ok {
		return false
	}
	if je.Op == "" && je.Phase == "" && je.Message == "" {
		return e.Kind == je.Kind
	}
	return e.Op == je.Op && e.Phase == je.Phase && e.Kind == je.Kind && e.Message == je.Message
}

// Common error constructors for consistent error creation

// NewConfigurationError creates an error for rejected configurations
func NewConfigurationError(op, message string) *JoinError {
	return &JoinError{
		Op:      op,
		Kind:    KindConfiguration,
		Message: message,
	}
}

// NewInvalidInputError creates an error for rejected relation inputs
func NewInvalidInputError(op, message string) *JoinError {
	return &JoinError{
		Op:      op,
		Kind:    KindInvalidInput,
		Message: message,
	}
}

// NewConsistencyError creates an error for a broken table invariant
func NewConsistencyError(op, phase, message string) *JoinError {
	return &JoinError{
		Op:      op,
		Phase:   phase,
		Kind:    KindConsistency,
		Message: message,
	}
}

// NewNoResultsError creates an error for a join where nothing matched
func NewNoResultsError(op string) *JoinError {
	return &JoinError{
		Op:      op,
		Kind:    KindNoResults,
		Message: "no outer tuple matched the inner relation",
	}
}

// NewResourceExhaustedError creates an error for allocation or capacity failures
func NewResourceExhaustedError(op, phase, message string, cause error) *JoinError {
	return &JoinError{
		Op:      op,
		Phase:   phase,
		Kind:    KindResourceExhausted,
		Message: message,
		Cause:   cause,
	}
}

// NewCanceledError creates an error for a join aborted by its context
func NewCanceledError(op, phase string, cause error) *JoinError {
	return &JoinError{
		Op:      op,
		Phase:   phase,
		Kind:    KindCanceled,
		Message: "join canceled",
		Cause:   cause,
	}
}

// NewInternalError creates an error for internal operation failures
func NewInternalError(op string, cause error) *JoinError {
	return &JoinError{
		Op:      op,
		Kind:    KindInternal,
		Message: "internal error occurred",
		Cause:   cause,
	}
}

// Predefined error variables, matched by Kind through errors.Is
var (
	ErrConfiguration     = &JoinError{Kind: KindConfiguration}
	ErrInvalidInput      = &JoinError{Kind: KindInvalidInput}
	ErrConsistency       = &JoinError{Kind: KindConsistency}
	ErrNoResults         = &JoinError{Kind: KindNoResults}
	ErrResourceExhausted = &JoinError{Kind: KindResourceExhausted}
	ErrCanceled          = &JoinError{Kind: KindCanceled}
)

// KindOf returns the kind of err if it wraps a JoinError, KindInternal otherwise.
func KindOf(err error) Kind {
	var je *JoinError
	if stderrors.As(err, &je) {
		return je.Kind
	}
	return KindInternal
}
