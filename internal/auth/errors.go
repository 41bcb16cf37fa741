package auth

import "errors"

// Sentinel errors for operator authentication.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: insufficient permissions")
	ErrUnknownRole  = errors.New("auth: unknown role")
)
