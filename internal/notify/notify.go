// internal/notify/notify.go
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"
)

// Notification is one delivered message, persisted for the user's inbox.
type Notification struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	EventType string    `json:"event_type" db:"event_type"`
	RelatedID uuid.UUID `json:"related_id" db:"related_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Dispatcher delivers notifications best-effort. Callers log failures and
// move on; delivery must never abort a circulation operation. The limiter
// smooths bursts (an expiry sweep sends two messages per hold) by pacing
// senders instead of dropping their messages.
type Dispatcher struct {
	db      *sqlx.DB
	limiter *rate.Limiter
}

func NewDispatcher(db *sqlx.DB) *Dispatcher {
	return &Dispatcher{
		db:      db,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 20),
	}
}

func (d *Dispatcher) Notify(ctx context.Context, userID uuid.UUID, title, message, eventType string, relatedID uuid.UUID) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit for user %s: %w", userID, err)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, event_type, related_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), userID, title, message, eventType, relatedID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListForUser returns the most recent notifications for a user.
func (d *Dispatcher) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var notifications []Notification
	err := d.db.SelectContext(ctx, &notifications, `
		SELECT id, user_id, title, message, event_type, related_id, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}
