package auth

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("email already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("access denied")

	// ErrInvalidCredentials is the single login failure, whichever of email
	// or password was wrong.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthorized)

	// ErrInvalidToken covers every token verification failure: expired,
	// wrong secret, wrong algorithm or malformed.
	ErrInvalidToken = errors.New("invalid token")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)
