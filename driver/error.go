package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies driver failures. The values follow the ones of CUDA's driver API where there is one.
type ErrorCode int

const (
	CodeSuccess                 ErrorCode = 0
	CodeInvalidValue            ErrorCode = 1
	CodeOutOfMemory             ErrorCode = 2
	CodeNotInitialized          ErrorCode = 3
	CodeInvalidDevice           ErrorCode = 101
	CodeInvalidContext          ErrorCode = 201
	CodeContextAlreadyInUse     ErrorCode = 216
	CodeInvalidHandle           ErrorCode = 400
	CodeNotMappedAsPointer      ErrorCode = 213
	CodeHostMemoryRegistered    ErrorCode = 712
	CodeHostMemoryNotRegistered ErrorCode = 713
	CodeNotSupported            ErrorCode = 801
	CodeUnknown                 ErrorCode = 999
)

var codeNames = map[ErrorCode]string{
	CodeSuccess:                 "SUCCESS",
	CodeInvalidValue:            "INVALID_VALUE",
	CodeOutOfMemory:             "OUT_OF_MEMORY",
	CodeNotInitialized:          "NOT_INITIALIZED",
	CodeInvalidDevice:           "INVALID_DEVICE",
	CodeInvalidContext:          "INVALID_CONTEXT",
	CodeContextAlreadyInUse:     "CONTEXT_ALREADY_IN_USE",
	CodeInvalidHandle:           "INVALID_HANDLE",
	CodeNotMappedAsPointer:      "NOT_MAPPED_AS_POINTER",
	CodeHostMemoryRegistered:    "HOST_MEMORY_ALREADY_REGISTERED",
	CodeHostMemoryNotRegistered: "HOST_MEMORY_NOT_REGISTERED",
	CodeNotSupported:            "NOT_SUPPORTED",
	CodeUnknown:                 "UNKNOWN",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is returned by Driver implementations.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("driver error (code=%s): %s", e.Code, e.Message)
}

// Errorf creates a new *Error with a stack trace (see github.com/pkg/errors).
func Errorf(code ErrorCode, format string, args ...any) error {
	return errors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// CodeOf returns the ErrorCode of err, if it wraps a *Error, or CodeUnknown otherwise.
// It returns CodeSuccess for a nil err.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var driverErr *Error
	if errors.As(err, &driverErr) {
		return driverErr.Code
	}
	return CodeUnknown
}
