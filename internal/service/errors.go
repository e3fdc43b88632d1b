package service

import (
	"errors"
	"fmt"

	"github.com/akmhq/akm/internal/registry"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountInactive    = errors.New("account is deactivated")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserExists         = errors.New("email or username already registered")
	ErrInvalidState       = errors.New("operation not allowed in the key's current status")
	ErrForbidden          = errors.New("forbidden")

	// ErrNotFound and ErrConflict are the registry sentinels, re-exported
	// so handlers need only this package.
	ErrNotFound = registry.ErrNotFound
	ErrConflict = registry.ErrConflict
)

// ValidationError reports a bad input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
