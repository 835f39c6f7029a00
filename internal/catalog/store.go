// internal/catalog/store.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store persists titles and copies. Claim and Release are the only
// mutation points for copy status besides staff condition reports.
type Store interface {
	InsertTitle(ctx context.Context, title *Title, copies int) error
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	DeleteTitle(ctx context.Context, id uuid.UUID) error
	GetCopy(ctx context.Context, id uuid.UUID) (*Copy, error)
	ClaimCopy(ctx context.Context, titleID uuid.UUID) (*Copy, error)
	ReleaseCopy(ctx context.Context, copyID uuid.UUID) error
	ReleaseStrandedCopy(ctx context.Context, copyID uuid.UUID) (bool, error)
	CountAvailable(ctx context.Context, titleID uuid.UUID) (int, error)
	Availability(ctx context.Context, titleID uuid.UUID) (*Availability, error)
	SetCopyStatus(ctx context.Context, copyID uuid.UUID, status CopyStatus) (*Copy, error)
}

type pgStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewStore(db *sqlx.DB) Store {
	return &pgStore{
		db:     db,
		tracer: otel.Tracer("libris/catalog"),
	}
}

func (s *pgStore) InsertTitle(ctx context.Context, title *Title, copies int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO titles (id, title, author, category, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, title.ID, title.Title, title.Author, title.Category, title.Version, title.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert title: %w", err)
	}

	now := time.Now().UTC()
	for i := 0; i < copies; i++ {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO copies (id, title_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), title.ID, CopyAvailable, now, now)
		if err != nil {
			return fmt.Errorf("insert copy %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *pgStore) GetTitle(ctx context.Context, id uuid.UUID) (*Title, error) {
	title := &Title{}
	err := s.db.GetContext(ctx, title, `
		SELECT id, title, author, category, version, created_at
		FROM titles
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTitleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get title: %w", err)
	}
	return title, nil
}

// DeleteTitle cascades copy removal. Rejected while any copy of the
// title is referenced by an open loan.
func (s *pgStore) DeleteTitle(ctx context.Context, id uuid.UUID) error {
	var openLoans int
	err := s.db.GetContext(ctx, &openLoans, `
		SELECT COUNT(*) FROM loans WHERE title_id = $1 AND returned_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("count open loans: %w", err)
	}
	if openLoans > 0 {
		return ErrCopyOnLoan
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM titles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete title: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrTitleNotFound
	}
	return nil
}

func (s *pgStore) GetCopy(ctx context.Context, id uuid.UUID) (*Copy, error) {
	copy := &Copy{}
	err := s.db.GetContext(ctx, copy, `
		SELECT id, title_id, status, created_at, updated_at
		FROM copies
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCopyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get copy: %w", err)
	}
	return copy, nil
}

// ClaimCopy flips one available copy of the title to borrowed in a single
// conditional update. Under concurrent claims for the last copy exactly
// one caller gets a row back; the rest see ErrNoAvailableCopy.
func (s *pgStore) ClaimCopy(ctx context.Context, titleID uuid.UUID) (*Copy, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.claim_copy",
		trace.WithAttributes(attribute.String("title.id", titleID.String())),
	)
	defer span.End()

	copy := &Copy{}
	err := s.db.GetContext(ctx, copy, `
		UPDATE copies
		SET status = 'borrowed', updated_at = NOW()
		WHERE id = (
			SELECT id FROM copies
			WHERE title_id = $1 AND status = 'available'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, title_id, status, created_at, updated_at
	`, titleID)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("claim.exhausted", true))
		return nil, ErrNoAvailableCopy
	}
	if err != nil {
		return nil, fmt.Errorf("claim copy: %w", err)
	}

	span.SetAttributes(attribute.String("copy.id", copy.ID.String()))
	return copy, nil
}

func (s *pgStore) ReleaseCopy(ctx context.Context, copyID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.release_copy",
		trace.WithAttributes(attribute.String("copy.id", copyID.String())),
	)
	defer span.End()

	result, err := s.db.ExecContext(ctx, `
		UPDATE copies
		SET status = 'available', updated_at = NOW()
		WHERE id = $1 AND status = 'borrowed'
	`, copyID)
	if err != nil {
		return fmt.Errorf("release copy: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrCopyNotFound
	}
	return nil
}

// ReleaseStrandedCopy frees a borrowed copy that no open loan references.
// A copy ends up in that state when a release fails after its loan was
// already closed; the open-loan guard keeps a retried release from
// touching a copy some newer loan legitimately holds.
func (s *pgStore) ReleaseStrandedCopy(ctx context.Context, copyID uuid.UUID) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.release_stranded_copy",
		trace.WithAttributes(attribute.String("copy.id", copyID.String())),
	)
	defer span.End()

	result, err := s.db.ExecContext(ctx, `
		UPDATE copies
		SET status = 'available', updated_at = NOW()
		WHERE id = $1 AND status = 'borrowed'
		  AND NOT EXISTS (SELECT 1 FROM loans WHERE copy_id = $1 AND returned_at IS NULL)
	`, copyID)
	if err != nil {
		return false, fmt.Errorf("release stranded copy: %w", err)
	}
	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Bool("released", affected > 0))
	return affected > 0, nil
}

func (s *pgStore) CountAvailable(ctx context.Context, titleID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM copies WHERE title_id = $1 AND status = 'available'
	`, titleID)
	if err != nil {
		return 0, fmt.Errorf("count available copies: %w", err)
	}
	return count, nil
}

func (s *pgStore) Availability(ctx context.Context, titleID uuid.UUID) (*Availability, error) {
	availability := &Availability{}
	err := s.db.GetContext(ctx, availability, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'available') AS available
		FROM copies
		WHERE title_id = $1
	`, titleID)
	if err != nil {
		return nil, fmt.Errorf("title availability: %w", err)
	}
	return availability, nil
}

// SetCopyStatus records a staff condition report (lost/damaged). Only an
// available copy can be re-marked; a borrowed copy is settled at return.
func (s *pgStore) SetCopyStatus(ctx context.Context, copyID uuid.UUID, status CopyStatus) (*Copy, error) {
	copy := &Copy{}
	err := s.db.GetContext(ctx, copy, `
		UPDATE copies
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'available'
		RETURNING id, title_id, status, created_at, updated_at
	`, copyID, status)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetCopy(ctx, copyID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrCopyOnLoan
	}
	if err != nil {
		return nil, fmt.Errorf("set copy status: %w", err)
	}
	return copy, nil
}
