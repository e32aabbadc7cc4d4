package inventory

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by what the caller should do next.
type ErrorKind string

const (
	// KindValidation is rejected before any store access; fix the input.
	KindValidation ErrorKind = "validation"
	// KindState is rejected after a consistency check; retrying will not help.
	KindState ErrorKind = "state"
	// KindNotFound means the referenced record does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindForbidden means the actor lacks the required tier.
	KindForbidden ErrorKind = "forbidden"
	// KindInfrastructure means the store failed; the whole operation may be retried.
	KindInfrastructure ErrorKind = "infrastructure"
)

// Error is the structured failure returned by the ledger engine.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind exposes the kind for transport mapping.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// ErrorCode exposes the stable code for transport mapping.
func (e *Error) ErrorCode() string { return e.Code }

// Retryable reports whether the whole operation may be retried.
func (e *Error) Retryable() bool { return e.Kind == KindInfrastructure }

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation errors.
var (
	ErrPartitionRequired    = newError(KindValidation, "partition_required", "inventory: branch and item required")
	ErrInvalidQuantity      = newError(KindValidation, "invalid_quantity", "inventory: quantity must be greater than zero")
	ErrInvalidUnitCost      = newError(KindValidation, "invalid_unit_cost", "inventory: unit cost must be >= 0")
	ErrInvalidPrecision     = newError(KindValidation, "invalid_precision", "inventory: too many decimal places (quantity and unit cost 4, amounts 2)")
	ErrMissingUnitCost      = newError(KindValidation, "missing_unit_cost", "inventory: increase adjustment requires unit cost > 0")
	ErrInvalidCostFields    = newError(KindValidation, "invalid_cost_fields", "inventory: supply price and tax must add up to total cost")
	ErrInvalidAdjustment    = newError(KindValidation, "invalid_adjustment_type", "inventory: adjustment type must be INCREASE or DECREASE")
	ErrInvalidReason        = newError(KindValidation, "invalid_reason", "inventory: unknown adjustment reason")
	ErrCancelReasonRequired = newError(KindValidation, "cancel_reason_required", "inventory: cancel reason required")
	ErrInvalidDateRange     = newError(KindValidation, "invalid_date_range", "inventory: end date before start date")
	ErrSaleReferenceMissing = newError(KindValidation, "sale_reference_required", "inventory: sale id required")
)

// Authorization errors.
var (
	ErrMissingActor     = newError(KindForbidden, "missing_actor", "inventory: actor identity required")
	ErrInsufficientRole = newError(KindForbidden, "insufficient_role", "inventory: actor role not allowed")
)

// State errors.
var (
	ErrAlreadyCancelled              = newError(KindState, "already_cancelled", "inventory: adjustment already cancelled")
	ErrPastDateCancellationForbidden = newError(KindState, "past_date_cancellation_forbidden", "inventory: only same-day adjustments can be cancelled")
	ErrLayerPartiallyConsumed        = newError(KindState, "layer_partially_consumed", "inventory: adjustment layer already consumed")
	ErrLayerMissing                  = newError(KindState, "layer_missing", "inventory: referenced cost layer missing")
	ErrInsufficientStock             = newError(KindState, "insufficient_stock", "inventory: insufficient stock")
	ErrLedgerInconsistent            = newError(KindState, "ledger_inconsistent", "inventory: ledger state inconsistent")
	ErrDuplicateRequest              = newError(KindState, "duplicate_request", "inventory: request already processed")
	ErrRequestInProgress             = newError(KindState, "request_in_progress", "inventory: request with this key is still running")
)

// Not-found errors.
var (
	ErrAdjustmentNotFound = newError(KindNotFound, "adjustment_not_found", "inventory: adjustment not found")
	ErrLayerNotFound      = newError(KindNotFound, "layer_not_found", "inventory: cost layer not found")
)

// Infrastructure errors.
var (
	ErrStoreConflict    = newError(KindInfrastructure, "store_conflict", "inventory: concurrent update conflict, retry the operation")
	ErrStoreUnavailable = newError(KindInfrastructure, "store_unavailable", "inventory: ledger store unavailable")
)

// KindOf returns the kind of a ledger error, or infrastructure for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// withDetail wraps a sentinel with context while keeping errors.Is/As working.
func withDetail(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// structured makes sure every error leaving the engine is an *Error.
func structured(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindInfrastructure, Code: ErrStoreUnavailable.Code, Message: ErrStoreUnavailable.Message, Err: err}
}
