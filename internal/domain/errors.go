package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Adapters wrap ErrNotFound; the conversion pipeline wraps the rest in ConversionError.
var (
	ErrNotFound = errors.New("not found")

	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrInvalidRequest      = errors.New("invalid conversion request")
	ErrLockBusy            = errors.New("conversion lock busy")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBalanceChanged is the re-check variant of ErrInsufficientBalance
	ErrBalanceChanged     = fmt.Errorf("balance changed during conversion: %w", ErrInsufficientBalance)
	ErrBalanceUnavailable = errors.New("balance lookup failed")
	ErrDebitFailed        = errors.New("debit failed")
	ErrCreditFailed       = errors.New("credit failed")
	ErrRollbackFailed     = errors.New("rollback failed")
	ErrPersistenceFailed  = errors.New("conversion history persistence failed")
)

// ConversionError is returned by the conversion executor.
// Kind is one of the sentinels above, Message is safe to show to the end user.
type ConversionError struct {
	Kind    error
	Message string
	Err     error
}

// NewConversionError builds a ConversionError
func NewConversionError(kind error, message string, cause error) *ConversionError {
	return &ConversionError{Kind: kind, Message: message, Err: cause}
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *ConversionError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Retryable reports whether the user can safely submit the same conversion again
func Retryable(err error) bool {
	return errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrBalanceChanged) ||
		errors.Is(err, ErrCreditFailed)
}

// IsCritical reports whether the error left balances inconsistent and needs manual reconciliation
func IsCritical(err error) bool {
	return errors.Is(err, ErrRollbackFailed)
}

// UserMessage extracts the end-user message of a conversion error
func UserMessage(err error) string {
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
