// pkg/eventstore/eventstore.go
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidPayload      = errors.New("event payload is not serializable")
)

var payloadJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one row of the append-only domain-event journal.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Store journals domain events with optimistic concurrency per aggregate.
type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("libris/eventstore"),
	}
}

// Append journals a single event for the aggregate, expecting the journal
// to currently be at expectedVersion. The unique (aggregate_id, version)
// index turns lost races into ErrConcurrencyConflict.
func (s *Store) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, eventType string, payload any) error {
	ctx, span := s.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.String("event.type", eventType),
			attribute.Int("expected.version", expectedVersion),
		),
	)
	defer span.End()

	data, err := payloadJSON.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, aggregateID, aggregateType, eventType, data, expectedVersion+1, time.Now().UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

// Load returns all events for an aggregate in version order.
func (s *Store) Load(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CurrentVersion returns the latest journaled version for an aggregate,
// zero when nothing has been journaled yet.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1
	`, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}
