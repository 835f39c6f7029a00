// internal/circulation/domain.go
package circulation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// LoanStatus is the lifecycle state of a borrowing episode.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

var (
	ErrLoanNotFound    = errors.New("loan not found")
	ErrAlreadyReturned = errors.New("loan already returned")
	ErrLoanOverdue     = errors.New("loan is overdue")
	ErrNotBorrower     = errors.New("only the borrower may renew")
	ErrUnpaidFines     = errors.New("user has unpaid fines")
	ErrFineNotFound    = errors.New("fine not found")
	ErrFineAlreadyPaid = errors.New("fine already paid")
)

// Loan is one borrowing episode for one copy. A closed-late loan keeps
// status overdue to preserve historical lateness.
type Loan struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	TitleID    uuid.UUID  `json:"title_id" db:"title_id"`
	CopyID     uuid.UUID  `json:"copy_id" db:"copy_id"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	DueAt      time.Time  `json:"due_at" db:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" db:"returned_at"`
	Status     LoanStatus `json:"status" db:"status"`
	Version    int        `json:"version" db:"version"`
}

// Fine is a monetary penalty tied to one loan. Amount is computed once at
// close time and immutable; payment only flips IsPaid.
type Fine struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	LoanID    uuid.UUID  `json:"loan_id" db:"loan_id"`
	Amount    float64    `json:"amount" db:"amount"`
	IsPaid    bool       `json:"is_paid" db:"is_paid"`
	PaidAt    *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// ReturnResult pairs a closed loan with the fine assessed for it, if any.
type ReturnResult struct {
	Loan *Loan `json:"loan"`
	Fine *Fine `json:"fine,omitempty"`
}

// LoanFilter narrows ListLoans. Nil fields are ignored.
type LoanFilter struct {
	UserID  *uuid.UUID
	TitleID *uuid.UUID
	Status  *LoanStatus
	Limit   int
}

// BookBorrowedEvent is journaled when a loan opens.
type BookBorrowedEvent struct {
	LoanID  uuid.UUID `json:"loan_id"`
	UserID  uuid.UUID `json:"user_id"`
	TitleID uuid.UUID `json:"title_id"`
	CopyID  uuid.UUID `json:"copy_id"`
	DueAt   time.Time `json:"due_at"`
}

// LoanReturnedEvent is journaled when a loan closes.
type LoanReturnedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	ReturnedAt time.Time `json:"returned_at"`
	Late       bool      `json:"late"`
}

// LoanRenewedEvent is journaled when a due date is pushed out.
type LoanRenewedEvent struct {
	LoanID   uuid.UUID `json:"loan_id"`
	NewDueAt time.Time `json:"new_due_at"`
}

// FineAssessedEvent is journaled when a fine is created for a late loan.
type FineAssessedEvent struct {
	FineID uuid.UUID `json:"fine_id"`
	LoanID uuid.UUID `json:"loan_id"`
	Amount float64   `json:"amount"`
}

// FinePaidEvent is journaled when a fine is settled.
type FinePaidEvent struct {
	FineID uuid.UUID `json:"fine_id"`
	PaidAt time.Time `json:"paid_at"`
}
