// internal/audit/audit.go
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
)

var detailsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Recorder appends to the audit log. Recording is best-effort: callers
// log failures and never let them affect the operation outcome.
type Recorder struct {
	db *sqlx.DB
}

func NewRecorder(db *sqlx.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) Record(ctx context.Context, subjectID uuid.UUID, action string, actorID uuid.UUID, details any) error {
	data, err := detailsJSON.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject_id, action, actor_id, details)
		VALUES ($1, $2, $3, $4)
	`, subjectID, action, actorID, data)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
