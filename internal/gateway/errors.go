package gateway

import (
	"errors"
	"time"
)

// Error kinds. Match them with errors.Is; use errors.As with *Error for the
// caller-facing message and retry hint.
var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrMFARequired    = errors.New("mfa required")
	ErrRateLimited    = errors.New("rate limited")
	ErrSession        = errors.New("session error")
	ErrInternal       = errors.New("internal error")
)

// Error is safe to show to clients. It never names the account or echoes
// the password.
type Error struct {
	Kind       error
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

const (
	msgInvalidCredentials = "invalid credentials"
	msgInvalidMFA         = "invalid mfa code"
	msgMFARequired        = "mfa verification required"
	msgTooManyAttempts    = "too many failed attempts, try again later"
	msgBlocked            = "access temporarily blocked"
	msgInternal           = "authentication service unavailable"
	msgInvalidToken       = "invalid token"
	msgTokenExpired       = "token expired"
)
