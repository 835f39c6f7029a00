// internal/reservation/implementation.go
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"libris/internal/platform/clock"
	"libris/internal/platform/settings"
)

// service implements the Service interface.
type service struct {
	store     Store
	allocator Allocator
	loans     LoanOpener
	settings  Settings
	notifier  Notifier
	audit     Auditor
	journal   Journal
	clock     clock.Clock

	promotions metric.Int64Counter
	expiries   metric.Int64Counter
}

// NewService creates a new reservation service instance.
func NewService(store Store, allocator Allocator, loans LoanOpener, cfg Settings, notifier Notifier, audit Auditor, journal Journal, clk clock.Clock) Service {
	meter := otel.Meter("libris/reservation")
	promotions, _ := meter.Int64Counter("reservation.promotions")
	expiries, _ := meter.Int64Counter("reservation.hold_expiries")

	return &service{
		store:      store,
		allocator:  allocator,
		loans:      loans,
		settings:   cfg,
		notifier:   notifier,
		audit:      audit,
		journal:    journal,
		clock:      clk,
		promotions: promotions,
		expiries:   expiries,
	}
}

// Create enqueues a pending reservation. Rejected when a copy is free
// (the caller should borrow) or the user already has an active entry.
func (s *service) Create(ctx context.Context, userID, titleID uuid.UUID) (*Reservation, error) {
	if _, _, err := s.allocator.GetTitle(ctx, titleID); err != nil {
		return nil, err
	}

	available, err := s.allocator.CountAvailable(ctx, titleID)
	if err != nil {
		return nil, err
	}
	if available > 0 {
		return nil, ErrShouldBorrowInstead
	}

	r := &Reservation{
		ID:        uuid.New(),
		UserID:    userID,
		TitleID:   titleID,
		Status:    StatusPending,
		Version:   1,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, r.ID, 0, "ReservationPlaced", ReservationPlacedEvent{
		ReservationID: r.ID,
		UserID:        userID,
		TitleID:       titleID,
		Position:      r.Position,
	})
	s.record(ctx, r.ID, "reservation.placed", userID, r)

	return r, nil
}

// PromoteNext grants a hold to the oldest pending reservation for the
// title, if any. Promotion is a conditional transition, so two triggers
// racing for one freed copy promote at most one reservation between them:
// the loser simply retries against the next head of queue and finds the
// queue state already settled.
func (s *service) PromoteNext(ctx context.Context, titleID uuid.UUID) error {
	holdHours, err := s.settings.GetInt(ctx, settings.KeyReservationHoldHours)
	if err != nil {
		return err
	}

	for {
		head, err := s.store.OldestPending(ctx, titleID)
		if errors.Is(err, ErrNotFound) {
			return nil // queue empty; the copy simply stays available
		}
		if err != nil {
			return err
		}

		now := s.clock.Now()
		expires := now.Add(time.Duration(holdHours) * time.Hour)
		promoted, err := s.store.PromoteToHold(ctx, head.ID, now, expires)
		if err != nil {
			return err
		}
		if !promoted {
			// A concurrent trigger took this head; re-read the queue.
			continue
		}

		head.Status = StatusOnHold
		head.HoldStartAt = &now
		head.HoldExpiresAt = &expires
		head.Version++

		s.promotions.Add(ctx, 1)
		s.appendEvent(ctx, head.ID, head.Version-1, "HoldGranted", HoldGrantedEvent{
			ReservationID: head.ID,
			HoldExpiresAt: expires,
		})
		s.notify(ctx, head.UserID, "Reserved title ready for pickup",
			fmt.Sprintf("A copy is being held for you until %s.", expires.Format(time.RFC1123)),
			"hold_granted", head.ID)

		return nil
	}
}

// FulfillPickup converts a live hold into a loan. An expired hold is
// rejected but left on_hold; the sweep owns the transition to expired.
func (s *service) FulfillPickup(ctx context.Context, reservationID, staffID uuid.UUID) (*PickupResult, error) {
	r, err := s.store.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusOnHold {
		return nil, ErrInvalidState
	}

	now := s.clock.Now()
	if r.HoldExpiresAt == nil || now.After(*r.HoldExpiresAt) {
		return nil, ErrHoldExpired
	}

	loan, err := s.loans.OpenForPickup(ctx, r.UserID, r.TitleID)
	if err != nil {
		return nil, err
	}

	fulfilled, err := s.store.Fulfill(ctx, r.ID, loan.CopyID, staffID, now)
	if err != nil || !fulfilled {
		// The hold changed under us (e.g. the sweep expired it). Give the
		// claimed copy back through the normal return path.
		if _, retErr := s.loans.Return(ctx, loan.ID, staffID); retErr != nil {
			log.Printf("Failed to compensate pickup of reservation %s: %v", r.ID, retErr)
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrInvalidState
	}

	r.Status = StatusFulfilled
	r.AssignedCopyID = &loan.CopyID
	r.PickedUpBy = &staffID
	r.PickedUpAt = &now
	r.Version++

	s.appendEvent(ctx, r.ID, r.Version-1, "ReservationFulfilled", ReservationFulfilledEvent{
		ReservationID: r.ID,
		LoanID:        loan.ID,
		CopyID:        loan.CopyID,
	})
	s.record(ctx, r.ID, "reservation.fulfilled", staffID, r)

	return &PickupResult{Reservation: r, Loan: loan}, nil
}

// Cancel withdraws a pending or on_hold reservation. Cancelling a hold
// frees its reserved capacity, so the queue is promoted exactly as a
// return would.
func (s *service) Cancel(ctx context.Context, reservationID, userID uuid.UUID) (*Reservation, error) {
	r, err := s.store.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, ErrNotOwner
	}
	if r.Status != StatusPending && r.Status != StatusOnHold {
		return nil, ErrInvalidState
	}
	wasOnHold := r.Status == StatusOnHold

	cancelled, err := s.store.Cancel(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, ErrInvalidState
	}

	r.Status = StatusCancelled
	r.Version++
	s.appendEvent(ctx, r.ID, r.Version-1, "ReservationCancelled", ReservationCancelledEvent{
		ReservationID: r.ID,
		WasOnHold:     wasOnHold,
	})
	s.record(ctx, r.ID, "reservation.cancelled", userID, r)

	if wasOnHold {
		if err := s.PromoteNext(ctx, r.TitleID); err != nil {
			log.Printf("Failed to promote queue after cancelling hold %s: %v", r.ID, err)
		}
	}

	return r, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.store.Get(ctx, id)
}

func (s *service) List(ctx context.Context, userID *uuid.UUID, titleID *uuid.UUID, status *Status) ([]Reservation, error) {
	return s.store.List(ctx, userID, titleID, status)
}

// ExpireHolds expires every stale hold and promotes each title's next
// pending reservation. Records are processed independently; one bad row
// never aborts the batch.
func (s *service) ExpireHolds(ctx context.Context) (int, error) {
	now := s.clock.Now()
	stale, err := s.store.ListExpiredHolds(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	var errs []error
	for i := range stale {
		r := &stale[i]
		ok, err := s.store.ExpireHold(ctx, r.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire hold %s: %w", r.ID, err))
			continue
		}
		if !ok {
			// Fulfilled or cancelled since we listed it.
			continue
		}
		expired++

		s.expiries.Add(ctx, 1)
		s.appendEvent(ctx, r.ID, r.Version, "HoldExpired", HoldExpiredEvent{ReservationID: r.ID})
		s.notify(ctx, r.UserID, "Hold expired",
			"Your hold was not picked up in time and has expired.",
			"hold_expired", r.ID)

		if err := s.PromoteNext(ctx, r.TitleID); err != nil {
			errs = append(errs, fmt.Errorf("promote after expiry of %s: %w", r.ID, err))
		}
	}

	return expired, errors.Join(errs...)
}

func (s *service) appendEvent(ctx context.Context, aggregateID uuid.UUID, expectedVersion int, eventType string, payload any) {
	if err := s.journal.Append(ctx, aggregateID, "reservation", expectedVersion, eventType, payload); err != nil {
		log.Printf("Failed to journal %s for reservation %s: %v", eventType, aggregateID, err)
	}
}

func (s *service) notify(ctx context.Context, userID uuid.UUID, title, message, eventType string, relatedID uuid.UUID) {
	if err := s.notifier.Notify(ctx, userID, title, message, eventType, relatedID); err != nil {
		log.Printf("Failed to notify user %s (%s): %v", userID, eventType, err)
	}
}

func (s *service) record(ctx context.Context, subjectID uuid.UUID, action string, actorID uuid.UUID, details any) {
	if err := s.audit.Record(ctx, subjectID, action, actorID, details); err != nil {
		log.Printf("Failed to audit %s for %s: %v", action, subjectID, err)
	}
}
