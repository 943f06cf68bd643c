package util

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable code reported for a mountebank error
type ErrorCode string

const (
	// ValidationError represents structurally invalid configuration
	ValidationError ErrorCode = "bad data"
	// InjectionError represents failures in user-supplied JavaScript
	InjectionError ErrorCode = "invalid injection"
	// ProtocolError represents an unsupported or misconfigured protocol
	ProtocolError ErrorCode = "invalid protocol"
	// InvalidProxyError represents a failed proxy round trip
	InvalidProxyError ErrorCode = "invalid proxy"
	// MissingResourceError represents missing resource errors
	MissingResourceError ErrorCode = "no such resource"
	// ResourceConflictError represents a port already taken by another imposter
	ResourceConflictError ErrorCode = "resource conflict"
	// InvalidJSONError represents an unparsable request body on the admin API
	InvalidJSONError ErrorCode = "invalid JSON"
)

// MountebankError represents a mountebank-specific error
type MountebankError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Source  interface{} `json:"source,omitempty"`
	Data    string      `json:"data,omitempty"`
}

// Error implements the error interface
func (e *MountebankError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    ValidationError,
		Message: message,
		Source:  source,
	}
}

// NewInjectionError creates a new injection error. data carries the underlying
// script failure.
func NewInjectionError(message string, source interface{}, data string) *MountebankError {
	return &MountebankError{
		Code:    InjectionError,
		Message: message,
		Source:  source,
		Data:    data,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    ProtocolError,
		Message: message,
		Source:  source,
	}
}

// NewInvalidProxyError creates a new proxy error
func NewInvalidProxyError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    InvalidProxyError,
		Message: message,
		Source:  source,
	}
}

// NewMissingResourceError creates a new missing resource error
func NewMissingResourceError(message string, source interface{}) *MountebankError {
	return &MountebankError{
		Code:    MissingResourceError,
		Message: message,
		Source:  source,
	}
}

// NewResourceConflictError creates a new resource conflict error
func NewResourceConflictError(message string) *MountebankError {
	return &MountebankError{
		Code:    ResourceConflictError,
		Message: message,
	}
}

// NewInvalidJSONError creates a new invalid JSON error
func NewInvalidJSONError(message string) *MountebankError {
	return &MountebankError{
		Code:    InvalidJSONError,
		Message: message,
	}
}

// AsMountebankError unwraps err into a *MountebankError if one is in its chain
func AsMountebankError(err error) (*MountebankError, bool) {
	var mbErr *MountebankError
	if errors.As(err, &mbErr) {
		return mbErr, true
	}
	return nil, false
}

// HasCode reports whether err carries a MountebankError with the given code
func HasCode(err error, code ErrorCode) bool {
	mbErr, ok := AsMountebankError(err)
	return ok && mbErr.Code == code
}
