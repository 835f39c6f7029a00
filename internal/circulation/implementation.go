// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"log"
	"sync"
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
	settings  Settings
	notifier  Notifier
	audit     Auditor
	journal   Journal
	clock     clock.Clock

	mu       sync.RWMutex
	promoter Promoter

	borrows metric.Int64Counter
	returns metric.Int64Counter
	fines   metric.Int64Counter
}

// NewService creates a new circulation service instance. The reservation
// promoter is attached afterwards via SetPromoter.
func NewService(store Store, allocator Allocator, cfg Settings, notifier Notifier, audit Auditor, journal Journal, clk clock.Clock) Service {
	meter := otel.Meter("libris/circulation")
	borrows, _ := meter.Int64Counter("circulation.borrows")
	returns, _ := meter.Int64Counter("circulation.returns")
	fines, _ := meter.Int64Counter("circulation.fines_assessed")

	return &service{
		store:     store,
		allocator: allocator,
		settings:  cfg,
		notifier:  notifier,
		audit:     audit,
		journal:   journal,
		clock:     clk,
		borrows:   borrows,
		returns:   returns,
		fines:     fines,
	}
}

// SetPromoter wires the reservation queue in. Must be called before the
// service handles traffic.
func (s *service) SetPromoter(p Promoter) {
	s.mu.Lock()
	s.promoter = p
	s.mu.Unlock()
}

func (s *service) getPromoter() Promoter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.promoter
}

// Borrow claims a copy and opens a loan against it.
func (s *service) Borrow(ctx context.Context, userID, titleID uuid.UUID) (*Loan, error) {
	if _, _, err := s.allocator.GetTitle(ctx, titleID); err != nil {
		return nil, err
	}
	loan, err := s.open(ctx, userID, titleID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, loan.ID, "loan.borrowed", userID, loan)
	return loan, nil
}

// OpenForPickup opens a loan for a reservation holder. The hold already
// reserved capacity conceptually, so no should-borrow-instead check runs.
func (s *service) OpenForPickup(ctx context.Context, userID, titleID uuid.UUID) (*Loan, error) {
	return s.open(ctx, userID, titleID)
}

func (s *service) open(ctx context.Context, userID, titleID uuid.UUID) (*Loan, error) {
	period, err := s.loanPeriod(ctx)
	if err != nil {
		return nil, err
	}

	copy, err := s.allocator.Claim(ctx, titleID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	loan := &Loan{
		ID:         uuid.New(),
		UserID:     userID,
		TitleID:    titleID,
		CopyID:     copy.ID,
		BorrowedAt: now,
		DueAt:      now.Add(period),
		Status:     LoanActive,
		Version:    1,
	}

	if err := s.store.InsertLoan(ctx, loan); err != nil {
		// Compensate the claim so the copy is not stranded as borrowed.
		if relErr := s.allocator.Release(ctx, copy.ID); relErr != nil {
			log.Printf("Failed to compensate claim of copy %s: %v", copy.ID, relErr)
		}
		return nil, err
	}

	s.borrows.Add(ctx, 1)
	s.appendEvent(ctx, loan.ID, 0, "BookBorrowed", BookBorrowedEvent{
		LoanID:  loan.ID,
		UserID:  userID,
		TitleID: titleID,
		CopyID:  copy.ID,
		DueAt:   loan.DueAt,
	})

	return loan, nil
}

// Return closes a loan, releases its copy, assesses a fine when late, and
// asks the reservation queue to promote for the title. Idempotent: a loan
// already closed yields the existing result without further mutation.
func (s *service) Return(ctx context.Context, loanID, staffID uuid.UUID) (*ReturnResult, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.ReturnedAt != nil {
		return s.closedResult(ctx, loan)
	}

	now := s.clock.Now()
	status := LoanReturned
	if now.After(loan.DueAt) {
		status = LoanOverdue
	}

	closed, err := s.store.CloseLoan(ctx, loanID, now, status)
	if err != nil {
		return nil, err
	}
	if !closed {
		// Lost a race with another close; hand back what it produced.
		loan, err = s.store.GetLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}
		return s.closedResult(ctx, loan)
	}

	loan.ReturnedAt = &now
	loan.Status = status
	loan.Version++

	if err := s.allocator.Release(ctx, loan.CopyID); err != nil {
		return nil, fmt.Errorf("release copy %s: %w", loan.CopyID, err)
	}

	s.returns.Add(ctx, 1)
	s.appendEvent(ctx, loan.ID, loan.Version-1, "LoanReturned", LoanReturnedEvent{
		LoanID:     loan.ID,
		ReturnedAt: now,
		Late:       status == LoanOverdue,
	})

	var fine *Fine
	if status == LoanOverdue {
		fine, err = s.assessFine(ctx, loan, now)
		if err != nil {
			return nil, err
		}
	}

	if promoter := s.getPromoter(); promoter != nil {
		if err := promoter.PromoteNext(ctx, loan.TitleID); err != nil {
			log.Printf("Failed to promote reservation queue for title %s: %v", loan.TitleID, err)
		}
	}

	s.record(ctx, loan.ID, "loan.returned", staffID, loan)
	return &ReturnResult{Loan: loan, Fine: fine}, nil
}

// closedResult finishes a return whose loan is already closed. A failed
// release or fine insert on the first attempt left work behind, so this
// path re-runs both until the return has fully converged.
func (s *service) closedResult(ctx context.Context, loan *Loan) (*ReturnResult, error) {
	released, err := s.allocator.ReleaseStranded(ctx, loan.CopyID)
	if err != nil {
		return nil, err
	}
	if released {
		if promoter := s.getPromoter(); promoter != nil {
			if err := promoter.PromoteNext(ctx, loan.TitleID); err != nil {
				log.Printf("Failed to promote reservation queue for title %s: %v", loan.TitleID, err)
			}
		}
	}

	fine, err := s.store.GetFineByLoan(ctx, loan.ID)
	if err != nil {
		if err != ErrFineNotFound {
			return nil, err
		}
		fine = nil
		if loan.Status == LoanOverdue && loan.ReturnedAt != nil {
			fine, err = s.assessFine(ctx, loan, *loan.ReturnedAt)
			if err != nil {
				return nil, err
			}
		}
	}
	return &ReturnResult{Loan: loan, Fine: fine}, nil
}

// assessFine creates the one fine a late loan ever gets. Racing callers
// converge on the first-created row.
func (s *service) assessFine(ctx context.Context, loan *Loan, returnedAt time.Time) (*Fine, error) {
	rate, err := s.settings.GetFloat(ctx, settings.KeyFineRatePerDay)
	if err != nil {
		return nil, err
	}

	days := daysLate(loan.DueAt, returnedAt)
	fine := &Fine{
		ID:        uuid.New(),
		UserID:    loan.UserID,
		LoanID:    loan.ID,
		Amount:    fineAmount(days, rate),
		CreatedAt: returnedAt,
	}

	if err := s.store.InsertFine(ctx, fine); err != nil {
		if err == ErrDuplicateFine {
			return s.store.GetFineByLoan(ctx, loan.ID)
		}
		return nil, err
	}

	s.fines.Add(ctx, 1)
	s.appendEvent(ctx, fine.ID, 0, "FineAssessed", FineAssessedEvent{
		FineID: fine.ID,
		LoanID: loan.ID,
		Amount: fine.Amount,
	})
	s.notify(ctx, loan.UserID, "Overdue fine assessed",
		fmt.Sprintf("Your loan was returned %d day(s) late. A fine of %.2f has been assessed.", days, fine.Amount),
		"fine_assessed", fine.ID)

	return fine, nil
}

// Renew pushes the due date out for the original borrower. Disallowed
// once returned, once past due, or while the user has any unpaid fine.
func (s *service) Renew(ctx context.Context, loanID, userID uuid.UUID) (*Loan, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != userID {
		return nil, ErrNotBorrower
	}
	if loan.ReturnedAt != nil {
		return nil, ErrAlreadyReturned
	}

	now := s.clock.Now()
	if loan.Status == LoanOverdue || now.After(loan.DueAt) {
		return nil, ErrLoanOverdue
	}

	unpaid, err := s.store.HasUnpaidFines(ctx, userID)
	if err != nil {
		return nil, err
	}
	if unpaid {
		return nil, ErrUnpaidFines
	}

	period, err := s.loanPeriod(ctx)
	if err != nil {
		return nil, err
	}
	newDue := now.Add(period)

	renewed, err := s.store.RenewLoan(ctx, loanID, newDue, now)
	if err != nil {
		return nil, err
	}
	if !renewed {
		// The loan changed between the checks above and the update: either
		// a racing return closed it or the sweep flagged it overdue.
		current, err := s.store.GetLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}
		if current.ReturnedAt != nil {
			return nil, ErrAlreadyReturned
		}
		return nil, ErrLoanOverdue
	}

	loan.DueAt = newDue
	loan.Version++
	s.appendEvent(ctx, loan.ID, loan.Version-1, "LoanRenewed", LoanRenewedEvent{
		LoanID:   loan.ID,
		NewDueAt: newDue,
	})
	s.record(ctx, loan.ID, "loan.renewed", userID, loan)

	return loan, nil
}

// PayFine settles a fine. The amount never changes; payment only flips
// the paid flag once.
func (s *service) PayFine(ctx context.Context, fineID, actorID uuid.UUID) (*Fine, error) {
	fine, err := s.store.GetFine(ctx, fineID)
	if err != nil {
		return nil, err
	}
	if fine.IsPaid {
		return nil, ErrFineAlreadyPaid
	}

	now := s.clock.Now()
	paid, err := s.store.MarkFinePaid(ctx, fineID, now)
	if err != nil {
		return nil, err
	}
	if !paid {
		return nil, ErrFineAlreadyPaid
	}

	fine.IsPaid = true
	fine.PaidAt = &now
	s.appendEvent(ctx, fine.ID, 1, "FinePaid", FinePaidEvent{FineID: fine.ID, PaidAt: now})
	s.record(ctx, fine.ID, "fine.paid", actorID, fine)
	s.notify(ctx, fine.UserID, "Fine paid",
		fmt.Sprintf("Your fine of %.2f has been marked paid.", fine.Amount),
		"fine_paid", fine.ID)

	return fine, nil
}

func (s *service) ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error) {
	return s.store.ListLoans(ctx, filter)
}

// MarkOverdueLoans flags open loans past due. No notification and no fine
// here; fines are computed only at close time.
func (s *service) MarkOverdueLoans(ctx context.Context) (int, error) {
	return s.store.MarkOverdue(ctx, s.clock.Now())
}

// loanPeriod derives the loan duration from configured length and unit.
func (s *service) loanPeriod(ctx context.Context) (time.Duration, error) {
	length, err := s.settings.GetInt(ctx, settings.KeyLoanPeriodDays)
	if err != nil {
		return 0, err
	}
	unit, err := s.settings.GetString(ctx, settings.KeyLoanPeriodUnit)
	if err != nil {
		return 0, err
	}

	switch unit {
	case "days":
		return time.Duration(length) * 24 * time.Hour, nil
	case "hours":
		return time.Duration(length) * time.Hour, nil
	case "minutes":
		return time.Duration(length) * time.Minute, nil
	default:
		return 0, fmt.Errorf("unknown loan period unit %q", unit)
	}
}

func (s *service) appendEvent(ctx context.Context, aggregateID uuid.UUID, expectedVersion int, eventType string, payload any) {
	aggregateType := "loan"
	if eventType == "FineAssessed" || eventType == "FinePaid" {
		aggregateType = "fine"
	}
	if err := s.journal.Append(ctx, aggregateID, aggregateType, expectedVersion, eventType, payload); err != nil {
		log.Printf("Failed to journal %s for %s: %v", eventType, aggregateID, err)
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
