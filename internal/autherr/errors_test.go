package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "expired token", err: ErrTokenExpired, want: http.StatusUnauthorized},
		{name: "wrapped revoked", err: fmt.Errorf("rotate: %w", ErrSessionRevoked), want: http.StatusUnauthorized},
		{name: "forbidden", err: ErrForbidden, want: http.StatusForbidden},
		{name: "otp conflict", err: ErrOTPConflict, want: http.StatusConflict},
		{name: "otp mismatch", err: ErrOTPMismatch, want: http.StatusBadRequest},
		{name: "persistence", err: fmt.Errorf("%w: db down", ErrPersistence), want: http.StatusInternalServerError},
		{name: "dispatch", err: ErrDispatchFailed, want: http.StatusInternalServerError},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
}

func TestIsSessionFailure(t *testing.T) {
	assert.True(t, IsSessionFailure(ErrTokenMalformed))
	assert.True(t, IsSessionFailure(fmt.Errorf("x: %w", ErrPrincipalNotFound)))
	assert.False(t, IsSessionFailure(ErrPersistence))
	assert.False(t, IsTokenInvalid(ErrSessionRevoked))
}
