// Package registry defines the storage contract for API key records that
// the validation path and the scheduler depend on.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/akmhq/akm/internal/model"
)

var (
	// ErrNotFound is returned when no key matches.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap precondition fails
	// or a uniqueness constraint is violated.
	ErrConflict = errors.New("conflict")
)

// Filter narrows a key listing. Zero values match everything.
type Filter struct {
	Status      model.KeyStatus
	Environment string
}

// Page selects a 1-based page of results.
type Page struct {
	Number int
	Size   int
}

// MaxPageSize caps Page.Size.
const MaxPageSize = 100

// Normalize clamps the page number and size into their valid ranges.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 20
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the row offset of the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// Registry is the authoritative store of API key records.
//
// TouchUsage must be an atomic increment so concurrent touches never lose
// counts. UpdateStatus is a compare-and-swap: it applies only while the
// stored status still equals from, and reports whether it did.
type Registry interface {
	LookupByHash(ctx context.Context, hash string) (*model.APIKey, error)
	Get(ctx context.Context, id string) (*model.APIKey, error)
	Create(ctx context.Context, key *model.APIKey) error
	Update(ctx context.Context, key *model.APIKey) error
	UpdateStatus(ctx context.Context, id string, from, to model.KeyStatus) (bool, error)
	TouchUsage(ctx context.Context, id string, at time.Time) error
	ListByOwner(ctx context.Context, ownerID string, f Filter, p Page) ([]model.APIKey, int, error)

	// Rotate moves the active key oldID to rotating (graceEnds set) or
	// revoked (graceEnds nil) and inserts successor, in one transaction.
	// It returns ErrConflict when oldID is no longer active.
	Rotate(ctx context.Context, oldID string, graceEnds *time.Time, successor *model.APIKey) error

	// Sweep queries used by the scheduler.
	ListExpired(ctx context.Context, now time.Time) ([]model.APIKey, error)
	ListGraceEnded(ctx context.Context, now time.Time) ([]model.APIKey, error)
	ListExpiring(ctx context.Context, now, until time.Time) ([]model.APIKey, error)
}
