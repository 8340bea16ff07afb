// Package errors provides the structured error system for Supvisors with
// wire-level codes, categories, and context.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents a structured error code for Supvisors operations.
type ErrorCode string

// Error code constants, matching the RPC wire surface.
const (
	// Input errors
	ErrCodeBadAddress   ErrorCode = "BAD_ADDRESS"
	ErrCodeBadName      ErrorCode = "BAD_NAME"
	ErrCodeBadStrategy  ErrorCode = "BAD_STRATEGY"
	ErrCodeBadExtraArgs ErrorCode = "BAD_EXTRA_ARGUMENTS"

	// Precondition errors
	ErrCodeBadSupvisorsState  ErrorCode = "BAD_SUPVISORS_STATE"
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotRunning         ErrorCode = "NOT_RUNNING"
	ErrCodeAlreadyInProgress  ErrorCode = "ALREADY_IN_PROGRESS"

	// Command outcome errors
	ErrCodeAbnormalTermination ErrorCode = "ABNORMAL_TERMINATION"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// wireCodes maps error codes to their numeric wire representation.
var wireCodes = map[ErrorCode]int{
	ErrCodeBadAddress:          10,
	ErrCodeBadName:             20,
	ErrCodeBadStrategy:         30,
	ErrCodeBadExtraArgs:        40,
	ErrCodeBadSupvisorsState:   50,
	ErrCodeAlreadyStarted:      60,
	ErrCodeNotRunning:          70,
	ErrCodeAlreadyInProgress:   80,
	ErrCodeAbnormalTermination: 90,
	ErrCodeInternal:            100,
}

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryInput        ErrorCategory = "input"
	CategoryPrecondition ErrorCategory = "precondition"
	CategoryOutcome      ErrorCategory = "outcome"
	CategoryInternal     ErrorCategory = "internal"
)

// SupvisorsError represents a structured error with context and metadata.
type SupvisorsError struct {
	Code      ErrorCode     `json:"code"`
	WireCode  int           `json:"wire_code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error implements the error interface.
func (e *SupvisorsError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *SupvisorsError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *SupvisorsError) Is(target error) bool {
	if supErr, ok := target.(*SupvisorsError); ok {
		return e.Code == supErr.Code
	}
	return false
}

// NewError creates a new Supvisors error.
func NewError(code ErrorCode, message string) *SupvisorsError {
	return &SupvisorsError{
		Code:      code,
		WireCode:  GetWireCode(code),
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a new Supvisors error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *SupvisorsError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithComponent sets the component for an error.
func (e *SupvisorsError) WithComponent(component string) *SupvisorsError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *SupvisorsError) WithOperation(operation string) *SupvisorsError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *SupvisorsError) WithCause(cause error) *SupvisorsError {
	e.Cause = cause
	return e
}

// GetWireCode returns the numeric wire code for an error code.
func GetWireCode(code ErrorCode) int {
	if wire, ok := wireCodes[code]; ok {
		return wire
	}
	return wireCodes[ErrCodeInternal]
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeBadAddress, ErrCodeBadName, ErrCodeBadStrategy, ErrCodeBadExtraArgs:
		return CategoryInput
	case ErrCodeBadSupvisorsState, ErrCodeAlreadyStarted, ErrCodeNotRunning, ErrCodeAlreadyInProgress:
		return CategoryPrecondition
	case ErrCodeAbnormalTermination:
		return CategoryOutcome
	default:
		return CategoryInternal
	}
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeBadAddress:          400,
		ErrCodeBadName:             400,
		ErrCodeBadStrategy:         400,
		ErrCodeBadExtraArgs:        400,
		ErrCodeBadSupvisorsState:   409,
		ErrCodeAlreadyStarted:      409,
		ErrCodeNotRunning:          409,
		ErrCodeAlreadyInProgress:   409,
		ErrCodeAbnormalTermination: 500,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// CodeOf extracts the Supvisors error code from any error, defaulting to
// INTERNAL_ERROR for foreign errors.
func CodeOf(err error) ErrorCode {
	if supErr, ok := err.(*SupvisorsError); ok {
		return supErr.Code
	}
	return ErrCodeInternal
}
