// internal/notify/notify_test.go
package notify

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping notify tests: could not connect to postgres: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			event_type TEXT NOT NULL,
			related_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

// A burst larger than the limiter's bucket is paced, not dropped: an
// expiry sweep sends two messages per hold and must lose none of them.
func TestNotifyDeliversBurstsBeyondLimiterBucket(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	dispatcher := NewDispatcher(db)
	ctx := context.Background()

	userID := uuid.New()
	const batch = 25
	for i := 0; i < batch; i++ {
		err := dispatcher.Notify(ctx, userID, "Hold expired",
			fmt.Sprintf("message %d", i), "hold_expired", uuid.New())
		require.NoError(t, err)
	}

	notifications, err := dispatcher.ListForUser(ctx, userID, 100)
	require.NoError(t, err)
	assert.Len(t, notifications, batch)
}

func TestNotifyHonorsCancelledContext(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	dispatcher := NewDispatcher(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dispatcher.Notify(ctx, uuid.New(), "t", "m", "e", uuid.New())
	assert.Error(t, err, "a cancelled context stops the paced sender")
}
