package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit ledger.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrUnknownReservation   = errors.New("unknown reservation")
	ErrReservationSettled   = errors.New("reservation already settled")
	ErrPaymentDeclined      = errors.New("payment declined")
	ErrInvalidCreditAmount  = errors.New("invalid credit amount")
	ErrInvalidOperationKind = errors.New("invalid operation kind")
	ErrInvalidReservationID = errors.New("invalid reservation id")
	ErrInvalidOutcome       = errors.New("invalid settle outcome")
	ErrInvalidWalletID      = errors.New("invalid wallet id")
	ErrInvalidLedgerConfig  = errors.New("invalid ledger config")
)

// InsufficientCreditsError carries the shortfall details for display.
type InsufficientCreditsError struct {
	Required  CreditAmount
	Available CreditAmount
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", insufficientError.Required, insufficientError.Available)
}

// Unwrap matches errors.Is(err, ErrInsufficientCredits).
func (insufficientError InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
