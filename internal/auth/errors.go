package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrInvalidResetToken  = errors.New("auth: invalid or expired reset token")
)
