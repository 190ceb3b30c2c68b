package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies command runner failures. Ranges:
// 1-13 generic, 100-199 user errors, 200-299 device errors,
// 300-399 network errors.
type ErrorCode int

const (
	CodeUnknown                 ErrorCode = 1
	CodeRuntime                 ErrorCode = 2
	CodeAssertion               ErrorCode = 3
	CodeLookup                  ErrorCode = 4
	CodeStreamReader            ErrorCode = 5
	CodeCommandExecutionTimeout ErrorCode = 6
	CodeNotImplemented          ErrorCode = 7
	CodeParsing                 ErrorCode = 8
	CodeValue                   ErrorCode = 9
	CodeType                    ErrorCode = 10
	CodeAttribute               ErrorCode = 11
	CodeTimeout                 ErrorCode = 12

	CodeValidation         ErrorCode = 100
	CodePermission         ErrorCode = 101
	CodeUnsupportedDevice  ErrorCode = 102
	CodeUnsupportedCommand ErrorCode = 103

	CodeDeviceError           ErrorCode = 200
	CodeCommandExecutionError ErrorCode = 201

	CodeConnectionError   ErrorCode = 300
	CodeConnectionTimeout ErrorCode = 301
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:                 "UNKNOWN_ERROR",
	CodeRuntime:                 "RUNTIME_ERROR",
	CodeAssertion:               "ASSERTION_ERROR",
	CodeLookup:                  "LOOKUP_ERROR",
	CodeStreamReader:            "STREAM_READER_ERROR",
	CodeCommandExecutionTimeout: "COMMAND_EXECUTION_TIMEOUT_ERROR",
	CodeNotImplemented:          "NOT_IMPLEMENTED_ERROR",
	CodeParsing:                 "PARSING_ERROR",
	CodeValue:                   "VALUE_ERROR",
	CodeType:                    "TYPE_ERROR",
	CodeAttribute:               "ATTRIBUTE_ERROR",
	CodeTimeout:                 "TIMEOUT_ERROR",
	CodeValidation:              "VALIDATION_ERROR",
	CodePermission:              "PERMISSION_ERROR",
	CodeUnsupportedDevice:       "UNSUPPORTED_DEVICE_ERROR",
	CodeUnsupportedCommand:      "UNSUPPORTED_COMMAND_ERROR",
	CodeDeviceError:             "DEVICE_ERROR",
	CodeCommandExecutionError:   "COMMAND_EXECUTION_ERROR",
	CodeConnectionError:         "CONNECTION_ERROR",
	CodeConnectionTimeout:       "CONNECTION_TIMEOUT_ERROR",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE_%d", int(c))
}

// SessionError is the typed failure surfaced to API callers. It corresponds
// to the SessionException carried over the RPC boundary.
type SessionError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError builds a SessionError wrapping err.
func NewSessionError(code ErrorCode, err error) *SessionError {
	return &SessionError{Code: code, Message: err.Error(), Err: err}
}

// SessionErrorf builds a SessionError from a format string.
func SessionErrorf(code ErrorCode, format string, args ...any) *SessionError {
	return &SessionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsSessionError coerces any error into a SessionError. Existing
// SessionErrors pass through unchanged; everything else becomes a
// CodeUnknown wrapper.
func AsSessionError(err error) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	return NewSessionError(CodeUnknown, err)
}

// OverloadedError rejects bulk work when the instance is saturated. It is
// internal to the fleet: peers retry a chunk elsewhere when they see it.
type OverloadedError struct {
	Message string
}

func (e *OverloadedError) Error() string { return e.Message }

// Overloadedf builds an OverloadedError.
func Overloadedf(format string, args ...any) *OverloadedError {
	return &OverloadedError{Message: fmt.Sprintf(format, args...)}
}

// IsOverloaded reports whether err is an instance-overloaded rejection.
func IsOverloaded(err error) bool {
	var oe *OverloadedError
	return errors.As(err, &oe)
}
