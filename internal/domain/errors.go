package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound           = errors.New("domain: not found")
	ErrAlreadyExists      = errors.New("domain: already exists")
	ErrInvalidInput       = errors.New("domain: invalid input")
	ErrConflict           = errors.New("domain: conflict")
	ErrBackendUnavailable = errors.New("domain: backend unavailable")
)
