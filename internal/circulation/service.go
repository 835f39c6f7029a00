// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"libris/internal/catalog"
)

// Service defines the interface for the circulation service.
type Service interface {
	Borrow(ctx context.Context, userID, titleID uuid.UUID) (*Loan, error)
	Return(ctx context.Context, loanID, staffID uuid.UUID) (*ReturnResult, error)
	Renew(ctx context.Context, loanID, userID uuid.UUID) (*Loan, error)
	OpenForPickup(ctx context.Context, userID, titleID uuid.UUID) (*Loan, error)
	PayFine(ctx context.Context, fineID, actorID uuid.UUID) (*Fine, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
	MarkOverdueLoans(ctx context.Context) (int, error)

	// SetPromoter attaches the reservation queue after both services are
	// constructed; see Promoter.
	SetPromoter(p Promoter)
}

// Allocator is the slice of the catalog service the ledger needs: claim
// and release copies, and look titles up. ReleaseStranded frees a copy
// whose release failed after its loan was already closed; it refuses to
// touch a copy any open loan still holds.
type Allocator interface {
	GetTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, *catalog.Availability, error)
	Claim(ctx context.Context, titleID uuid.UUID) (*catalog.Copy, error)
	Release(ctx context.Context, copyID uuid.UUID) error
	ReleaseStranded(ctx context.Context, copyID uuid.UUID) (bool, error)
}

// Promoter advances the reservation queue for a title after a copy frees
// up. Implemented by the reservation service; wired after construction to
// avoid a dependency cycle.
type Promoter interface {
	PromoteNext(ctx context.Context, titleID uuid.UUID) error
}

// Settings reads circulation policy values.
type Settings interface {
	GetInt(ctx context.Context, key string) (int, error)
	GetFloat(ctx context.Context, key string) (float64, error)
	GetString(ctx context.Context, key string) (string, error)
}

// Notifier delivers user-facing messages best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, title, message, eventType string, relatedID uuid.UUID) error
}

// Auditor records staff actions best-effort.
type Auditor interface {
	Record(ctx context.Context, subjectID uuid.UUID, action string, actorID uuid.UUID, details any) error
}

// Journal appends domain events best-effort.
type Journal interface {
	Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, eventType string, payload any) error
}
