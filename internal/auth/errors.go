package auth

import "errors"

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: conflict")
	ErrValidation     = errors.New("auth: validation failed")
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrAlreadyRevoked = errors.New("auth: refresh token already revoked")
)

// ErrInvalidToken indicates the access token failed validation.
var ErrInvalidToken = errors.New("invalid token")
