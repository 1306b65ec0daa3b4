// Package errors defines the error taxonomy of the trading core. Each
// category maps to a distinct caller obligation: validation errors are
// terminal, queue-full and conflict errors are retryable, settlement
// errors require reconciliation.
package errors

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed order, rejected before queuing.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// QueueFullError reports that the order queue is at capacity. Callers must
// back off.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("order queue full (capacity %d)", e.Capacity)
}

// ConflictError reports lock contention in the settlement manager. The
// whole trade settlement may be retried.
type ConflictError struct {
	TransactionID string
	Resource      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction %s: resource %s locked by another transaction", e.TransactionID, e.Resource)
}

// SettlementError reports that an individual balance update failed inside
// a transaction. The transaction is fully rolled back and the trade is not
// considered executed.
type SettlementError struct {
	TransactionID string
	UpdateID      string
	Cause         error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("transaction %s: balance update %s failed: %v", e.TransactionID, e.UpdateID, e.Cause)
}

func (e *SettlementError) Unwrap() error { return e.Cause }

// RiskViolation is a structured refusal from pre-trade risk assessment,
// not an unexpected failure.
type RiskViolation struct {
	Code     string
	Severity string
	Message  string
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("risk violation %s (%s): %s", e.Code, e.Severity, e.Message)
}

// CircuitBreakerActive is the CRITICAL specialization of RiskViolation
// raised while a symbol is halted.
type CircuitBreakerActive struct {
	RiskViolation
	Symbol string
}

// NewCircuitBreakerActive builds the halt violation for a symbol.
func NewCircuitBreakerActive(symbol, breakerType string) *CircuitBreakerActive {
	return &CircuitBreakerActive{
		RiskViolation: RiskViolation{
			Code:     "CIRCUIT_BREAKER_ACTIVE",
			Severity: "CRITICAL",
			Message:  fmt.Sprintf("trading halted for %s (%s breaker active)", symbol, breakerType),
		},
		Symbol: symbol,
	}
}

// IsRetryable reports whether the caller may retry the failed operation
// wholesale.
func IsRetryable(err error) bool {
	var qf *QueueFullError
	var cf *ConflictError
	return errors.As(err, &qf) || errors.As(err, &cf)
}
