package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateEvent          = errors.New("duplicate billable event")
	ErrUnknownInteractionKind  = errors.New("unknown interaction kind")
	ErrLedgerUnavailable       = errors.New("ledger unavailable")
	ErrInvalidAdjustment       = errors.New("invalid adjustment")
	ErrStorageTransient        = errors.New("transient storage failure")
	ErrInvalidProviderID       = errors.New("invalid provider id")
	ErrInvalidProviderType     = errors.New("invalid provider type")
	ErrInvalidInteractionKind  = errors.New("invalid interaction kind")
	ErrInvalidReferenceID      = errors.New("invalid reference id")
	ErrInvalidAmountCredits    = errors.New("invalid amount credits")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidTransactionLimit = errors.New("invalid transaction limit")
)

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
