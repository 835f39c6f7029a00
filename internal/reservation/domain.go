// internal/reservation/domain.go
package reservation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a reservation. A hold is the
// time-boxed window between promotion and pickup.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOnHold    Status = "on_hold"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var (
	ErrNotFound            = errors.New("reservation not found")
	ErrDuplicateActive     = errors.New("user already has an active reservation for this title")
	ErrShouldBorrowInstead = errors.New("a copy is available; borrow instead of reserving")
	ErrInvalidState        = errors.New("reservation is not in the required state")
	ErrHoldExpired         = errors.New("hold has expired")
	ErrNotOwner            = errors.New("only the reservation owner may cancel")
)

// Reservation is a queue entry for a title with no free copy. Position is
// assigned once at enqueue time and never renumbered; the lowest
// surviving position is served first.
type Reservation struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	TitleID        uuid.UUID  `json:"title_id" db:"title_id"`
	Status         Status     `json:"status" db:"status"`
	Position       int        `json:"position" db:"position"`
	HoldStartAt    *time.Time `json:"hold_start_at,omitempty" db:"hold_start_at"`
	HoldExpiresAt  *time.Time `json:"hold_expires_at,omitempty" db:"hold_expires_at"`
	AssignedCopyID *uuid.UUID `json:"assigned_copy_id,omitempty" db:"assigned_copy_id"`
	PickedUpBy     *uuid.UUID `json:"picked_up_by,omitempty" db:"picked_up_by"`
	PickedUpAt     *time.Time `json:"picked_up_at,omitempty" db:"picked_up_at"`
	Version        int        `json:"version" db:"version"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ReservationPlacedEvent is journaled when a reservation joins the queue.
type ReservationPlacedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        uuid.UUID `json:"user_id"`
	TitleID       uuid.UUID `json:"title_id"`
	Position      int       `json:"position"`
}

// HoldGrantedEvent is journaled when the queue head gets a hold.
type HoldGrantedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	HoldExpiresAt time.Time `json:"hold_expires_at"`
}

// ReservationFulfilledEvent is journaled when a holder picks up.
type ReservationFulfilledEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	LoanID        uuid.UUID `json:"loan_id"`
	CopyID        uuid.UUID `json:"copy_id"`
}

// ReservationCancelledEvent is journaled on cancellation.
type ReservationCancelledEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	WasOnHold     bool      `json:"was_on_hold"`
}

// HoldExpiredEvent is journaled when the sweep expires a stale hold.
type HoldExpiredEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
}
