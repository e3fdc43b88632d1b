package store

import "github.com/akmhq/akm/internal/registry"

// ErrNotFound is returned when a requested resource does not exist in the
// store. It is the same value as registry.ErrNotFound.
var ErrNotFound = registry.ErrNotFound

// ErrConflict is returned on unique constraint violations and failed
// compare-and-swap updates.
var ErrConflict = registry.ErrConflict
