// internal/circulation/store.go
package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store persists loans and fines. Mutations are single conditional
// updates so concurrent close/renew attempts settle deterministically.
type Store interface {
	InsertLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	CloseLoan(ctx context.Context, id uuid.UUID, returnedAt time.Time, status LoanStatus) (bool, error)
	RenewLoan(ctx context.Context, id uuid.UUID, dueAt, now time.Time) (bool, error)
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)

	InsertFine(ctx context.Context, fine *Fine) error
	GetFine(ctx context.Context, id uuid.UUID) (*Fine, error)
	GetFineByLoan(ctx context.Context, loanID uuid.UUID) (*Fine, error)
	HasUnpaidFines(ctx context.Context, userID uuid.UUID) (bool, error)
	MarkFinePaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error)
}

var ErrDuplicateFine = errors.New("fine already exists for loan")

var pgDialect = goqu.Dialect("postgres")

type pgStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewStore(db *sqlx.DB) Store {
	return &pgStore{
		db:     db,
		tracer: otel.Tracer("libris/circulation"),
	}
}

func (s *pgStore) InsertLoan(ctx context.Context, loan *Loan) error {
	ctx, span := s.tracer.Start(ctx, "circulation.insert_loan",
		trace.WithAttributes(attribute.String("loan.id", loan.ID.String())),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loans (id, user_id, title_id, copy_id, borrowed_at, due_at, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, loan.ID, loan.UserID, loan.TitleID, loan.CopyID, loan.BorrowedAt, loan.DueAt, loan.Status, loan.Version)
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

func (s *pgStore) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	loan := &Loan{}
	err := s.db.GetContext(ctx, loan, `
		SELECT id, user_id, title_id, copy_id, borrowed_at, due_at, returned_at, status, version
		FROM loans
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return loan, nil
}

// CloseLoan closes an open loan. Returns false when the loan was already
// closed, which the caller treats as the idempotent path.
func (s *pgStore) CloseLoan(ctx context.Context, id uuid.UUID, returnedAt time.Time, status LoanStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET returned_at = $2, status = $3, version = version + 1
		WHERE id = $1 AND returned_at IS NULL
	`, id, returnedAt, status)
	if err != nil {
		return false, fmt.Errorf("close loan: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// RenewLoan pushes the due date out for a loan that is still open, still
// active and not yet past due as of now. The status and due-date guards
// keep a renew from landing after the sweep flagged the loan overdue.
func (s *pgStore) RenewLoan(ctx context.Context, id uuid.UUID, dueAt, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET due_at = $2, version = version + 1
		WHERE id = $1 AND returned_at IS NULL AND status = 'active' AND due_at > $3
	`, id, dueAt, now)
	if err != nil {
		return false, fmt.Errorf("renew loan: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// MarkOverdue flags every open loan past its due date. Conditional on the
// current status, so an immediate second run is a no-op.
func (s *pgStore) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.mark_overdue")
	defer span.End()

	result, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET status = 'overdue', version = version + 1
		WHERE status = 'active' AND returned_at IS NULL AND due_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("mark overdue loans: %w", err)
	}
	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int("loans.flagged", int(affected)))
	return int(affected), nil
}

func (s *pgStore) ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error) {
	builder := pgDialect.
		From("loans").
		Select("id", "user_id", "title_id", "copy_id", "borrowed_at", "due_at", "returned_at", "status", "version").
		Order(goqu.I("borrowed_at").Desc())

	if filter.UserID != nil {
		builder = builder.Where(goqu.C("user_id").Eq(*filter.UserID))
	}
	if filter.TitleID != nil {
		builder = builder.Where(goqu.C("title_id").Eq(*filter.TitleID))
	}
	if filter.Status != nil {
		builder = builder.Where(goqu.C("status").Eq(string(*filter.Status)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	builder = builder.Limit(uint(limit))

	query, args, err := builder.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	var loans []Loan
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

func (s *pgStore) InsertFine(ctx context.Context, fine *Fine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fines (id, user_id, loan_id, amount, is_paid, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, fine.ID, fine.UserID, fine.LoanID, fine.Amount, fine.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateFine
		}
		return fmt.Errorf("insert fine: %w", err)
	}
	return nil
}

func (s *pgStore) GetFine(ctx context.Context, id uuid.UUID) (*Fine, error) {
	fine := &Fine{}
	err := s.db.GetContext(ctx, fine, `
		SELECT id, user_id, loan_id, amount, is_paid, paid_at, created_at
		FROM fines
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fine: %w", err)
	}
	return fine, nil
}

func (s *pgStore) GetFineByLoan(ctx context.Context, loanID uuid.UUID) (*Fine, error) {
	fine := &Fine{}
	err := s.db.GetContext(ctx, fine, `
		SELECT id, user_id, loan_id, amount, is_paid, paid_at, created_at
		FROM fines
		WHERE loan_id = $1
	`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fine by loan: %w", err)
	}
	return fine, nil
}

func (s *pgStore) HasUnpaidFines(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM fines WHERE user_id = $1 AND NOT is_paid)
	`, userID)
	if err != nil {
		return false, fmt.Errorf("check unpaid fines: %w", err)
	}
	return exists, nil
}

func (s *pgStore) MarkFinePaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fines
		SET is_paid = TRUE, paid_at = $2
		WHERE id = $1 AND NOT is_paid
	`, id, paidAt)
	if err != nil {
		return false, fmt.Errorf("mark fine paid: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
