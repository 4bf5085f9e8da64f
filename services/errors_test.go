package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeExternal,
				Message: "provider failed",
				Err:     errors.New("connection reset"),
			},
			wantMsg: "external: provider failed (connection reset)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "derived from same sentinel",
			err:    Newf(ErrTaskGroupNotFound, "task group %q not found", "g"),
			target: ErrTaskGroupNotFound,
			want:   true,
		},
		{
			name:   "same type different code",
			err:    Newf(ErrEchelonNotFound, "echelon missing"),
			target: ErrTaskGroupNotFound,
			want:   false,
		},
		{
			name:   "type-only target matches any code",
			err:    Newf(ErrEchelonNotFound, "echelon missing"),
			target: NewDomainError(ErrorTypeNotFound, "anything", nil),
			want:   true,
		},
		{
			name:   "different type",
			err:    Newf(ErrCircuitOpen, "open"),
			target: ErrPoolExhausted,
			want:   false,
		},
		{
			name:   "wrapped with fmt",
			err:    fmt.Errorf("route: %w", Newf(ErrCircuitOpen, "open")),
			target: ErrCircuitOpen,
			want:   true,
		},
		{
			name:   "not a domain error target",
			err:    Newf(ErrPoolExhausted, "exhausted"),
			target: errors.New("regular error"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := Newf(ErrTaskGroupConfiguration, "bad echelon")

	err.WithDetail("echelon", "primary").WithDetail("field", "concurrencyLimit")

	assert.Equal(t, "primary", err.Details["echelon"])
	assert.Equal(t, "concurrencyLimit", err.Details["field"])
	assert.Empty(t, ErrTaskGroupConfiguration.Details, "sentinel must not be mutated")
}

func TestWrapf(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := Wrapf(ErrProviderTimeout, cause, "model %s timed out", "m1")

	require.True(t, errors.Is(err, ErrProviderTimeout))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "model m1 timed out", err.Message)
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", ErrTaskGroupNotFound, IsNotFoundError, true},
		{"wrapped not found", fmt.Errorf("wrapped: %w", ErrEchelonNotFound), IsNotFoundError, true},
		{"validation", ErrInvalidReference, IsValidationError, true},
		{"conflict", ErrTaskGroupAlreadyExists, IsConflictError, true},
		{"circuit open", ErrCircuitOpen, IsCircuitOpenError, true},
		{"exhausted", ErrPoolExhausted, IsExhaustedError, true},
		{"saturated is exhausted", ErrEchelonSaturated, IsExhaustedError, true},
		{"rate limit", ErrEchelonRateLimited, IsRateLimitError, true},
		{"external", ErrProviderTimeout, IsExternalError, true},
		{"internal", ErrManagerShutdown, IsInternalError, true},
		{"unauthorized", ErrInvalidToken, IsUnauthorizedError, true},
		{"forbidden", ErrForbidden, IsForbiddenError, true},
		{"regular error", errors.New("regular"), IsNotFoundError, false},
		{"nil error", nil, IsValidationError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestGetErrorAccessors(t *testing.T) {
	err := Newf(ErrTaskGroupConfiguration, "bad").WithDetail("field", "rpmLimit")

	assert.Equal(t, ErrorTypeValidation, GetErrorType(err))
	assert.Equal(t, "task_group_configuration", GetErrorCode(err))
	assert.Equal(t, "rpmLimit", GetErrorDetails(err)["field"])

	plain := errors.New("plain")
	assert.Equal(t, ErrorType(""), GetErrorType(plain))
	assert.Equal(t, "", GetErrorCode(plain))
	assert.Nil(t, GetErrorDetails(plain))
}

func TestWrapHelpers(t *testing.T) {
	cause := errors.New("boom")

	assert.True(t, IsInternalError(WrapInternal("failed", cause)))
	assert.True(t, IsExternalError(WrapExternal("failed", cause)))
	assert.True(t, IsConflictError(WrapError(ErrorTypeConflict, "dup", cause)))
}
