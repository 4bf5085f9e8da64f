package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeCircuitOpen  ErrorType = "circuit_open"
	ErrorTypeExhausted    ErrorType = "exhausted"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
)

// DomainError represents a structured error with additional context.
// Code identifies the specific sentinel an error was derived from so that
// errors.Is can tell two errors of the same Type apart.
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. A target without a Code matches every error of
// the same Type.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func sentinel(errType ErrorType, code, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Newf derives a fresh error from a sentinel with a specific message.
// The result matches the sentinel under errors.Is.
func Newf(base *DomainError, format string, args ...interface{}) *DomainError {
	return &DomainError{
		Type:    base.Type,
		Code:    base.Code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrapf is Newf with an underlying cause.
func Wrapf(base *DomainError, cause error, format string, args ...interface{}) *DomainError {
	e := Newf(base, format, args...)
	e.Err = cause
	return e
}

// Domain error variables

var (
	// Not Found Errors
	ErrTaskGroupNotFound = sentinel(ErrorTypeNotFound, "task_group_not_found", "task group not found")
	ErrEchelonNotFound   = sentinel(ErrorTypeNotFound, "echelon_not_found", "echelon not found")
	ErrPoolNotFound      = sentinel(ErrorTypeNotFound, "pool_not_found", "pool not found")
	ErrInstanceNotFound  = sentinel(ErrorTypeNotFound, "instance_not_found", "instance not found")

	// Validation Errors
	ErrInvalidInput           = sentinel(ErrorTypeValidation, "invalid_input", "invalid input")
	ErrTaskGroupConfiguration = sentinel(ErrorTypeValidation, "task_group_configuration", "invalid task group configuration")
	ErrPoolConfiguration      = sentinel(ErrorTypeValidation, "pool_configuration", "invalid pool configuration")
	ErrInvalidReference       = sentinel(ErrorTypeValidation, "invalid_reference", "invalid group reference")

	// Authorization Errors
	ErrUnauthorized = sentinel(ErrorTypeUnauthorized, "unauthorized", "unauthorized")
	ErrInvalidToken = sentinel(ErrorTypeUnauthorized, "invalid_token", "invalid authentication token")

	// Permission Errors
	ErrForbidden = sentinel(ErrorTypeForbidden, "forbidden", "access forbidden")

	// Admission Errors
	ErrEchelonRateLimited = sentinel(ErrorTypeRateLimit, "echelon_rate_limited", "echelon requests per minute limit exceeded")
	ErrEchelonSaturated   = sentinel(ErrorTypeExhausted, "echelon_saturated", "echelon concurrency limit reached")

	// Conflict Errors
	ErrTaskGroupAlreadyExists = sentinel(ErrorTypeConflict, "task_group_exists", "task group already exists")
	ErrPoolAlreadyExists      = sentinel(ErrorTypeConflict, "pool_exists", "pool already exists")

	// Resilience Errors
	ErrCircuitOpen   = sentinel(ErrorTypeCircuitOpen, "circuit_open", "circuit breaker is open")
	ErrPoolExhausted = sentinel(ErrorTypeExhausted, "pool_exhausted", "no route available")

	// Internal Errors
	ErrInternal        = sentinel(ErrorTypeInternal, "internal", "internal server error")
	ErrManagerShutdown = sentinel(ErrorTypeInternal, "manager_shutdown", "manager has been shut down")
	ErrDatabaseError   = sentinel(ErrorTypeInternal, "database", "database error")

	// External Provider Errors
	ErrProviderUnavailable = sentinel(ErrorTypeExternal, "provider_unavailable", "LLM provider unavailable")
	ErrProviderTimeout     = sentinel(ErrorTypeExternal, "provider_timeout", "LLM provider timeout")
	ErrProviderError       = sentinel(ErrorTypeExternal, "provider_error", "LLM provider error")
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return hasType(err, ErrorTypeRateLimit)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsCircuitOpenError checks if an error is a fail-fast circuit rejection
func IsCircuitOpenError(err error) bool {
	return hasType(err, ErrorTypeCircuitOpen)
}

// IsExhaustedError checks if an error reports that no capacity was left
func IsExhaustedError(err error) bool {
	return hasType(err, ErrorTypeExhausted)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool {
	return hasType(err, ErrorTypeExternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the Code of a domain error, or empty string if not a domain error
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
