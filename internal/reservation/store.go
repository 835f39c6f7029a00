// internal/reservation/store.go
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
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

// Store persists reservations. Every state transition is a single
// conditional update keyed on the current status, which is what makes
// promote/expire/cancel safe to trigger from racing paths.
type Store interface {
	Insert(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	OldestPending(ctx context.Context, titleID uuid.UUID) (*Reservation, error)
	PromoteToHold(ctx context.Context, id uuid.UUID, start, expires time.Time) (bool, error)
	Fulfill(ctx context.Context, id, copyID, staffID uuid.UUID, at time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	ExpireHold(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ListExpiredHolds(ctx context.Context, now time.Time) ([]Reservation, error)
	List(ctx context.Context, userID *uuid.UUID, titleID *uuid.UUID, status *Status) ([]Reservation, error)
}

var pgDialect = goqu.Dialect("postgres")

type pgStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewStore(db *sqlx.DB) Store {
	return &pgStore{
		db:     db,
		tracer: otel.Tracer("libris/reservation"),
	}
}

const reservationColumns = `id, user_id, title_id, status, position, hold_start_at,
	hold_expires_at, assigned_copy_id, picked_up_by, picked_up_at, version, created_at`

// Insert enqueues a pending reservation. The position is max+1 over every
// reservation ever created for the title; the unique (title_id, position)
// index catches concurrent enqueues, which are retried, while the partial
// unique index on active (user, title) surfaces ErrDuplicateActive.
func (s *pgStore) Insert(ctx context.Context, r *Reservation) error {
	ctx, span := s.tracer.Start(ctx, "reservation.insert",
		trace.WithAttributes(attribute.String("title.id", r.TitleID.String())),
	)
	defer span.End()

	for attempt := 0; attempt < 5; attempt++ {
		err := s.db.GetContext(ctx, r, `
			INSERT INTO reservations (id, user_id, title_id, status, position, version, created_at)
			VALUES ($1, $2, $3, $4,
				(SELECT COALESCE(MAX(position), 0) + 1 FROM reservations WHERE title_id = $3),
				$5, $6)
			RETURNING `+reservationColumns+`
		`, r.ID, r.UserID, r.TitleID, r.Status, r.Version, r.CreatedAt)
		if err == nil {
			span.SetAttributes(attribute.Int("reservation.position", r.Position))
			return nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if strings.Contains(pqErr.Constraint, "active_user_title") {
				return ErrDuplicateActive
			}
			// Lost the position race; try again with a fresh max.
			continue
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return fmt.Errorf("insert reservation: exhausted position retries for title %s", r.TitleID)
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r := &Reservation{}
	err := s.db.GetContext(ctx, r, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (s *pgStore) OldestPending(ctx context.Context, titleID uuid.UUID) (*Reservation, error) {
	r := &Reservation{}
	err := s.db.GetContext(ctx, r, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE title_id = $1 AND status = 'pending'
		ORDER BY position ASC
		LIMIT 1
	`, titleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending reservation: %w", err)
	}
	return r, nil
}

// PromoteToHold moves a pending reservation to on_hold. Returns false
// when another trigger already moved it.
func (s *pgStore) PromoteToHold(ctx context.Context, id uuid.UUID, start, expires time.Time) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.promote",
		trace.WithAttributes(attribute.String("reservation.id", id.String())),
	)
	defer span.End()

	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'on_hold', hold_start_at = $2, hold_expires_at = $3, version = version + 1
		WHERE id = $1 AND status = 'pending'
	`, id, start, expires)
	if err != nil {
		return false, fmt.Errorf("promote reservation: %w", err)
	}
	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Bool("promoted", affected > 0))
	return affected > 0, nil
}

func (s *pgStore) Fulfill(ctx context.Context, id, copyID, staffID uuid.UUID, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'fulfilled', assigned_copy_id = $2, picked_up_by = $3, picked_up_at = $4,
		    version = version + 1
		WHERE id = $1 AND status = 'on_hold'
	`, id, copyID, staffID, at)
	if err != nil {
		return false, fmt.Errorf("fulfill reservation: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *pgStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'cancelled', version = version + 1
		WHERE id = $1 AND status IN ('pending', 'on_hold')
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel reservation: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ExpireHold expires one stale hold. Conditional on both status and
// deadline so a second sweep pass cannot double-expire.
func (s *pgStore) ExpireHold(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'expired', version = version + 1
		WHERE id = $1 AND status = 'on_hold' AND hold_expires_at < $2
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("expire hold: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *pgStore) ListExpiredHolds(ctx context.Context, now time.Time) ([]Reservation, error) {
	var reservations []Reservation
	err := s.db.SelectContext(ctx, &reservations, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'on_hold' AND hold_expires_at < $1
		ORDER BY hold_expires_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	return reservations, nil
}

func (s *pgStore) List(ctx context.Context, userID *uuid.UUID, titleID *uuid.UUID, status *Status) ([]Reservation, error) {
	builder := pgDialect.
		From("reservations").
		Select("id", "user_id", "title_id", "status", "position", "hold_start_at",
			"hold_expires_at", "assigned_copy_id", "picked_up_by", "picked_up_at", "version", "created_at").
		Order(goqu.I("created_at").Desc()).
		Limit(100)

	if userID != nil {
		builder = builder.Where(goqu.C("user_id").Eq(*userID))
	}
	if titleID != nil {
		builder = builder.Where(goqu.C("title_id").Eq(*titleID))
	}
	if status != nil {
		builder = builder.Where(goqu.C("status").Eq(string(*status)))
	}

	query, args, err := builder.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build reservation query: %w", err)
	}

	var reservations []Reservation
	if err := s.db.SelectContext(ctx, &reservations, query, args...); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return reservations, nil
}
