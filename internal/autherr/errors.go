package autherr

import (
	"errors"
	"net/http"
)

var (
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")

	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionRevoked    = errors.New("session revoked")
	ErrPrincipalNotFound = errors.New("principal not found")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")

	ErrOTPNotFound = errors.New("otp challenge not found")
	ErrOTPExpired  = errors.New("otp challenge expired")
	ErrOTPMismatch = errors.New("otp code mismatch")
	ErrOTPConflict = errors.New("otp challenge modified concurrently")

	ErrDispatchFailed = errors.New("out-of-band dispatch failed")
	ErrPersistence    = errors.New("persistence failure")

	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrCredentialsUnrecoverable = errors.New("credentials require administrative reset")
	ErrAccountBlocked           = errors.New("account blocked or inactive")
	ErrNotVerified              = errors.New("account not verified")
	ErrConflict                 = errors.New("resource conflict")
	ErrInvalidInput             = errors.New("invalid input")
	ErrNotFound                 = errors.New("not found")
	ErrSystemRole               = errors.New("system role cannot be modified")
)

// IsTokenInvalid reports whether err is one of the stateless codec failures.
func IsTokenInvalid(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenSignatureInvalid)
}

// IsSessionFailure reports whether err should force re-authentication.
func IsSessionFailure(err error) bool {
	return IsTokenInvalid(err) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrPrincipalNotFound)
}

func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrDispatchFailed):
		return http.StatusInternalServerError
	case IsSessionFailure(err),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrCredentialsUnrecoverable):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrAccountBlocked),
		errors.Is(err, ErrNotVerified),
		errors.Is(err, ErrSystemRole):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrOTPConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrOTPNotFound),
		errors.Is(err, ErrOTPExpired),
		errors.Is(err, ErrOTPMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
