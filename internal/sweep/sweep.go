// internal/sweep/sweep.go
package sweep

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HoldExpirer expires stale holds and promotes the next pending
// reservation for each affected title.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context) (int, error)
}

// LoanFlagger flags open loans past their due date as overdue.
type LoanFlagger interface {
	MarkOverdueLoans(ctx context.Context) (int, error)
}

// Sweeper is the run-once core of the periodic expiry pass. Scheduling
// lives with the caller; Run itself has no timer and is idempotent.
type Sweeper struct {
	holds  HoldExpirer
	loans  LoanFlagger
	tracer trace.Tracer
	runs   metric.Int64Counter
}

func New(holds HoldExpirer, loans LoanFlagger) *Sweeper {
	meter := otel.Meter("libris/sweep")
	runs, _ := meter.Int64Counter("sweep.runs")

	return &Sweeper{
		holds:  holds,
		loans:  loans,
		tracer: otel.Tracer("libris/sweep"),
		runs:   runs,
	}
}

// Run expires stale holds and flags overdue loans. Both halves execute
// even when one fails; errors are joined, and the expired-hold count is
// returned regardless.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sweep.run")
	defer span.End()
	s.runs.Add(ctx, 1)

	expired, expireErr := s.holds.ExpireHolds(ctx)
	span.SetAttributes(attribute.Int("holds.expired", expired))

	flagged, flagErr := s.loans.MarkOverdueLoans(ctx)
	span.SetAttributes(attribute.Int("loans.flagged", flagged))

	return expired, errors.Join(expireErr, flagErr)
}
