// Package apperror defines the error taxonomy shared by the workflow, ledger and
// transport layers. Every error carries a stable Code that handlers surface to callers.
package apperror

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stable error codes returned in API responses.
const (
	CodeValidation          = "validation_error"
	CodeInvalidTransition   = "invalid_transition"
	CodeInsufficientBudget  = "insufficient_budget"
	CodeLedgerInconsistency = "ledger_inconsistency"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeNotFound            = "not_found"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
)

// ValidationError reports malformed input on a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is returned when an action is not legal from the current state
// or the actor's role is below the required tier.
type InvalidTransitionError struct {
	Current  string
	Action   string
	Required string
	// RoleOnly is true when the transition exists but the actor lacks the required role.
	RoleOnly bool
}

func (e *InvalidTransitionError) Error() string {
	if e.RoleOnly {
		return fmt.Sprintf("action %q from %q requires role %s", e.Action, e.Current, e.Required)
	}
	return fmt.Sprintf("action %q is not allowed from state %q (requires role %s)", e.Action, e.Current, e.Required)
}

// InsufficientBudgetError is returned when a reservation would exceed the available balance.
type InsufficientBudgetError struct {
	BudgetID  uint
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget %d: requested %s exceeds available %s",
		e.BudgetID, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

// LedgerInconsistencyError means a budget's stored balances no longer match its usage
// history. The budget refuses further mutations until reconciled.
type LedgerInconsistencyError struct {
	BudgetID uint
	Detail   string
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("budget %d ledger inconsistent: %s", e.BudgetID, e.Detail)
}

// ErrConcurrencyConflict is returned on lock timeouts and optimistic version mismatches.
var ErrConcurrencyConflict = errors.New("concurrent modification, retry the request")

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnauthorized is returned when a request carries no usable identity.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when the actor may not see or touch a resource.
var ErrForbidden = errors.New("forbidden")

// NotFound wraps ErrNotFound with the entity being looked up.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Code returns the stable code for err, or "" for unclassified errors.
func Code(err error) string {
	var ve *ValidationError
	var ite *InvalidTransitionError
	var ibe *InsufficientBudgetError
	var lie *LedgerInconsistencyError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ite):
		return CodeInvalidTransition
	case errors.As(err, &ibe):
		return CodeInsufficientBudget
	case errors.As(err, &lie):
		return CodeLedgerInconsistency
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	}
	return ""
}
