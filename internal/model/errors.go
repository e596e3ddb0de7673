package model

import "errors"

var (
	// Credential errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account inactive")
	ErrAccountDeleted     = errors.New("account deleted")
	ErrPrincipalNotFound  = errors.New("principal not found")
	ErrEmailTaken         = errors.New("email already registered")

	// Token and session errors
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenExpired        = errors.New("token expired")
	ErrSessionRevoked      = errors.New("session revoked")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionConflict     = errors.New("session changed concurrently")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Infrastructure errors
	ErrStoreUnavailable = errors.New("session store unavailable")
)
