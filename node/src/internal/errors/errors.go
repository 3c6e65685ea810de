package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeNotFound indicates the requested resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeInvalidInput indicates invalid input parameters
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"
	// ErrorTypeStorage indicates a fault in the durable entry store
	ErrorTypeStorage ErrorType = "STORAGE"
	// ErrorTypeTimeout indicates an operation timed out
	ErrorTypeTimeout ErrorType = "TIMEOUT"
	// ErrorTypeInvariantViolation indicates an illegal sequence of change set
	// mutations. It is always a defect in the calling execution logic and
	// aborts the current ledger close.
	ErrorTypeInvariantViolation ErrorType = "INVARIANT_VIOLATION"
	// ErrorTypeValidation indicates entry content failed a bounds check
	ErrorTypeValidation ErrorType = "VALIDATION"
)

// LedgerError represents a custom error with additional context
type LedgerError struct {
	Type    ErrorType
	Message string
	Err     error
	Stack   string
}

// Error implements the error interface
func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *LedgerError) Unwrap() error {
	return e.Err
}

// New creates a new LedgerError
func New(errType ErrorType, message string, err error) *LedgerError {
	// Capture stack trace
	_, file, line, _ := runtime.Caller(1)
	stack := fmt.Sprintf("%s:%d", file, line)

	return &LedgerError{
		Type:    errType,
		Message: message,
		Err:     err,
		Stack:   stack,
	}
}

// Newf is New with a formatted message and no wrapped error.
func Newf(errType ErrorType, format string, args ...any) *LedgerError {
	_, file, line, _ := runtime.Caller(1)
	return &LedgerError{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   fmt.Sprintf("%s:%d", file, line),
	}
}

// TypeOf returns the type of the outermost LedgerError in err's chain, or
// the empty string if there is none.
func TypeOf(err error) ErrorType {
	var lerr *LedgerError
	if stderrors.As(err, &lerr) {
		return lerr.Type
	}
	return ""
}

func isType(err error, t ErrorType) bool {
	for err != nil {
		var lerr *LedgerError
		if !stderrors.As(err, &lerr) {
			return false
		}
		if lerr.Type == t {
			return true
		}
		err = lerr.Err
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return isType(err, ErrorTypeInvalidInput)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrorTypeInternal)
}

// IsStorage checks if the error is a storage error
func IsStorage(err error) bool {
	return isType(err, ErrorTypeStorage)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

// IsInvariantViolation checks if the error is an invariant violation
func IsInvariantViolation(err error) bool {
	return isType(err, ErrorTypeInvariantViolation)
}

// IsValidation checks if the error is an entry validation error
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// RecoverError recovers from a panic and converts it to a LedgerError
func RecoverError(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("%s", v)
	default:
		err = fmt.Errorf("%v", v)
	}

	return New(ErrorTypeInternal, "recovered from panic", err)
}
