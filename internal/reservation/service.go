// internal/reservation/service.go
package reservation

import (
	"context"

	"github.com/google/uuid"

	"libris/internal/catalog"
	"libris/internal/circulation"
)

// Service defines the interface for the reservation queue.
type Service interface {
	Create(ctx context.Context, userID, titleID uuid.UUID) (*Reservation, error)
	PromoteNext(ctx context.Context, titleID uuid.UUID) error
	FulfillPickup(ctx context.Context, reservationID, staffID uuid.UUID) (*PickupResult, error)
	Cancel(ctx context.Context, reservationID, userID uuid.UUID) (*Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	List(ctx context.Context, userID *uuid.UUID, titleID *uuid.UUID, status *Status) ([]Reservation, error)
	ExpireHolds(ctx context.Context) (int, error)
}

// PickupResult pairs a fulfilled reservation with the loan it opened.
type PickupResult struct {
	Reservation *Reservation      `json:"reservation"`
	Loan        *circulation.Loan `json:"loan"`
}

// Allocator is the slice of the catalog service the queue needs.
type Allocator interface {
	GetTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, *catalog.Availability, error)
	CountAvailable(ctx context.Context, titleID uuid.UUID) (int, error)
}

// LoanOpener opens a loan for a holder picking up, bypassing the
// should-borrow-instead check.
type LoanOpener interface {
	OpenForPickup(ctx context.Context, userID, titleID uuid.UUID) (*circulation.Loan, error)
	Return(ctx context.Context, loanID, staffID uuid.UUID) (*circulation.ReturnResult, error)
}

// Settings reads circulation policy values.
type Settings interface {
	GetInt(ctx context.Context, key string) (int, error)
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
