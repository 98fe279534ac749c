package errors

import (
	"fmt"
)

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, message)).
		WithContext("field", field)
}

// NewCallError creates an error for a business error reply. Replies with a
// 5xx status or a 429 are marked retryable.
func NewCallError(msgType string, code int, message string) *AppError {
	if message == "" {
		message = "call failed"
	}
	appErr := New(ErrCodeCallFailed, message).
		WithContext("msg_type", msgType).
		WithContext("status_code", code)
	appErr.Retryable = code >= 500 || code == 429
	return appErr
}

// NewUnexpectedReplyError creates an error for a reply of an unexpected type
func NewUnexpectedReplyError(expected, got string) *AppError {
	return New(ErrCodeCallFailed, fmt.Sprintf("expected %s reply, got %s", expected, got)).
		WithContext("expected", expected).
		WithContext("msg_type", got)
}

// NewDecodeError creates a protocol decode error
func NewDecodeError(err error, binary bool) *AppError {
	return Wrap(err, ErrCodeProtocolDecode, "failed to decode inbound frame").
		WithContext("binary", binary)
}

// NewAuthError creates a recoverable authentication error
func NewAuthError(kind string, code int, message string) *AppError {
	return New(ErrCodeAuthentication, fmt.Sprintf("authentication failed: %s", message)).
		WithContext("principal", kind).
		WithContext("status_code", code)
}

// NewWrongCredentialError creates the terminal wrong-credential error
func NewWrongCredentialError(kind string, code int) *AppError {
	return New(ErrCodeWrongCredential, "server rejected credential").
		WithContext("principal", kind).
		WithContext("status_code", code)
}

// NewTokenExchangeError creates an error for the operator token side channel
func NewTokenExchangeError(statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeTokenExchange, "operator token exchange failed").
		WithContext("status_code", statusCode)
	appErr.Retryable = statusCode == 0 || statusCode >= 500 || statusCode == 429 || statusCode == 408
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// StatusCode returns the status_code context of an AppError, or zero.
func StatusCode(err error) int {
	var appErr *AppError
	if !As(err, &appErr) || appErr.Context == nil {
		return 0
	}
	code, _ := appErr.Context["status_code"].(int)
	return code
}
