// Package errors provides error handling for the dispatch engine.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operator-facing surfaces
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrInvalidTransition) {
//	    // reject synchronously
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
	Mark   = crdb.Mark
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the dispatch engine.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNoEligibleCandidates indicates the eligibility filter produced an
	// empty candidate list. Reported to escalation, never retried.
	ErrNoEligibleCandidates = New("no eligible candidates")

	// ErrInvalidTransition indicates a shift lifecycle transition the state
	// machine does not allow (e.g. reopening a filled shift).
	ErrInvalidTransition = New("invalid lifecycle transition")

	// ErrShiftNotFound indicates the requested shift does not exist.
	ErrShiftNotFound = New("shift not found")

	// ErrShiftTerminal indicates the shift is already in a terminal state
	// and can no longer accept the requested operation.
	ErrShiftTerminal = New("shift is in a terminal state")

	// ErrDecisionConflict indicates a second decision write was attempted
	// for a shift that already has one. Per-shift serialization makes this
	// structurally impossible; observing it is an invariant violation.
	ErrDecisionConflict = New("conflicting decision write")

	// ErrDeliveryFailed indicates the messaging gateway could not deliver
	// an offer or notice. Transient; retried with backoff by the scheduler.
	ErrDeliveryFailed = New("message delivery failed")
)

// IsNotFoundError checks if an error is or wraps ErrShiftNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrShiftNotFound)
}

// IsInvalidTransitionError checks if an error is or wraps ErrInvalidTransition.
func IsInvalidTransitionError(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsDeliveryError checks if an error is or wraps ErrDeliveryFailed.
func IsDeliveryError(err error) bool {
	return err != nil && Is(err, ErrDeliveryFailed)
}

// IsShiftTerminalError checks if an error is or wraps ErrShiftTerminal.
func IsShiftTerminalError(err error) bool {
	return err != nil && Is(err, ErrShiftTerminal)
}

// NewInvalidTransitionError creates an invalid-transition error describing
// the rejected edge.
func NewInvalidTransitionError(from, to string) error {
	return Wrap(ErrInvalidTransition, Newf("%s -> %s", from, to).Error())
}

// NewShiftTerminalError creates an error for an operation rejected because
// the shift already reached a terminal state. It is also marked as an
// invalid transition so transport layers classify it as a conflict.
func NewShiftTerminalError(state, op string) error {
	return Mark(Wrapf(ErrShiftTerminal, "cannot %s a %s shift", op, state), ErrInvalidTransition)
}
