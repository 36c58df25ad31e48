package claims

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/adjudication"
)

var (
	// ErrNotFound is returned when a claim id does not exist in the tenant.
	ErrNotFound = errors.New("claim not found")
	// ErrInvalidFilter is returned for list filters outside the known values.
	ErrInvalidFilter = errors.New("invalid filter")
)

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	UpdateResult(ctx context.Context, c *Claim) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Claim, int, error)
	// Aggregates returns the error type and paid amount of every matching claim.
	Aggregates(ctx context.Context, f Filter) ([]adjudication.AggregateInput, error)
}

type AuditRepository interface {
	Record(ctx context.Context, e *AuditEntry) error
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*AuditEntry, error)
}
