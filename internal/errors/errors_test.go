package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"transferId": "t-1"}
		err := New(ErrCodeTransferAborted, "aborted").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})

	t.Run("errors.Is matches on code", func(t *testing.T) {
		err := fmt.Errorf("authenticate: %w", SessionFull())
		assert.True(t, errors.Is(err, SessionFull()))
		assert.False(t, errors.Is(err, InvalidCode()))
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"InvalidCode", func() *AppError { return InvalidCode() }, ErrCodeInvalidCode},
		{"SessionFull", func() *AppError { return SessionFull() }, ErrCodeSessionFull},
		{"PeerUnreachable", func() *AppError { return PeerUnreachable("dev-1") }, ErrCodePeerUnreachable},
		{"PeerUnreachable without device", func() *AppError { return PeerUnreachable("") }, ErrCodePeerUnreachable},
		{"TransferAborted", func() *AppError { return TransferAborted("t-1", "missing chunks") }, ErrCodeTransferAborted},
		{"NegotiationTimeout", func() *AppError { return NegotiationTimeout() }, ErrCodeNegotiationTimeout},
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("codec", "unknown") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("invitationCode") }, ErrCodeMissingRequired},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts wrapped AppError", func(t *testing.T) {
		original := PeerUnreachable("dev-2")
		extracted, ok := AsAppError(fmt.Errorf("forward: %w", original))
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeSessionFull, GetCode(SessionFull()))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})

	t.Run("HasCode handles nil", func(t *testing.T) {
		assert.False(t, HasCode(nil, ErrCodeInternal))
		assert.True(t, HasCode(InvalidCode(), ErrCodeInvalidCode))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(PeerUnreachable("dev-1")))
	assert.True(t, IsRetryable(TransferAborted("t-1", "gap")))
	assert.False(t, IsRetryable(InvalidCode()))
	assert.False(t, IsRetryable(SessionFull()))
	assert.False(t, IsRetryable(errors.New("boom")))
}
