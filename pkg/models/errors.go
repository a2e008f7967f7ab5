package models

import (
	"errors"
	"fmt"
)

// The engine's failure modes, distinguishable by type so callers and the HTTP
// error handler can tell "your request was invalid" apart from "a downstream
// aggregate may lag". Validation, transition, and lock errors are returned
// before any write; conflict errors are retried internally before surfacing;
// rollup errors are never surfaced as a failure of the delivery mutation.

// ValidationError rejects malformed input, missing transition fields, or a
// quantity that would push delivered_qty past ordered_qty.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidTransitionError rejects a status change not reachable from the
// current status.
type InvalidTransitionError struct {
	From DeliveryStatus
	To   DeliveryStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid delivery status transition %s -> %s", e.From, e.To)
}

// IsInvalidTransitionError reports whether err is an InvalidTransitionError.
func IsInvalidTransitionError(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// DeliveryLockedError rejects a mutation against a delivered or archived
// record by a role without override authority.
type DeliveryLockedError struct {
	DeliveryID string
	Status     DeliveryStatus
}

func (e *DeliveryLockedError) Error() string {
	return fmt.Sprintf("delivery %s is %s and locked", e.DeliveryID, e.Status)
}

// IsDeliveryLockedError reports whether err is a DeliveryLockedError.
func IsDeliveryLockedError(err error) bool {
	var le *DeliveryLockedError
	return errors.As(err, &le)
}

// PermissionError rejects an actor whose role does not allow the requested
// mutation. Checked before any state is evaluated.
type PermissionError struct {
	Role   Role
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// IsPermissionError reports whether err is a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// ConcurrencyConflictError signals that the per-line-item serialization
// guarantee was violated by a race. The engine retries a bounded number of
// times before returning it to the caller.
type ConcurrencyConflictError struct {
	LineItemID string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update of order line item %s", e.LineItemID)
}

// IsConcurrencyConflictError reports whether err is a ConcurrencyConflictError.
func IsConcurrencyConflictError(err error) bool {
	var ce *ConcurrencyConflictError
	return errors.As(err, &ce)
}

// RollupPropagationError records that the ledger and order state committed but
// the project cost rollup failed. It is logged and retried out-of-band, never
// returned to the delivery caller.
type RollupPropagationError struct {
	RollupID string
	Cause    error
}

func (e *RollupPropagationError) Error() string {
	return fmt.Sprintf("project rollup %s failed: %v", e.RollupID, e.Cause)
}

func (e *RollupPropagationError) Unwrap() error { return e.Cause }
