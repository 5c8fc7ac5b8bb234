package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBusy            = errors.New("resource busy")
	ErrConflict        = errors.New("stream parameters conflict")
	ErrNoDevice        = errors.New("no such device")
	ErrNoMemory        = errors.New("out of memory")
	ErrNoData          = errors.New("no data available")
	// ErrAlreadyInState is not a failure: it ends the current walk branch.
	ErrAlreadyInState = errors.New("already in requested state")
	ErrConfigInvalid  = errors.New("invalid configuration")
)

// Error codes carried by DomainError.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeBusy            = "BUSY"
	CodeConflict        = "CONFLICT"
	CodeNoDevice        = "NO_DEVICE"
	CodeNoMemory        = "NO_MEMORY"
	CodeNoData          = "NO_DATA"
	CodeComponent       = "COMPONENT_FAILED"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError builds a DomainError whose code is derived from the wrapped sentinel.
func NewError(err error, details map[string]any, format string, args ...any) *DomainError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &DomainError{
		Err:     err,
		Code:    CodeFor(err),
		Message: msg,
		Details: details,
	}
}

// CodeFor maps an error chain to its DomainError code.
func CodeFor(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNoDevice):
		return CodeNoDevice
	case errors.Is(err, ErrNoMemory):
		return CodeNoMemory
	case errors.Is(err, ErrNoData):
		return CodeNoData
	default:
		return CodeComponent
	}
}
