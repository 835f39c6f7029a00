// cmd/sweeper/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libris/internal/audit"
	"libris/internal/catalog"
	"libris/internal/circulation"
	"libris/internal/notify"
	"libris/internal/platform/clock"
	"libris/internal/platform/config"
	"libris/internal/platform/settings"
	"libris/internal/platform/telemetry"
	"libris/internal/reservation"
	"libris/internal/sweep"
	"libris/pkg/eventstore"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Setup(ctx, "libris-sweeper", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("Failed to set up telemetry: %v", err)
		}
		defer shutdown(context.Background())
	}

	clk := clock.New()
	journal := eventstore.NewStore(db)
	dispatcher := notify.NewDispatcher(db)
	recorder := audit.NewRecorder(db)
	provider := settings.NewProvider(settings.NewStore(db))

	catalogSvc := catalog.NewService(catalog.NewStore(db), journal, recorder, clk)
	circulationSvc := circulation.NewService(circulation.NewStore(db), catalogSvc, provider, dispatcher, recorder, journal, clk)
	reservationSvc := reservation.NewService(reservation.NewStore(db), catalogSvc, circulationSvc, provider, dispatcher, recorder, journal, clk)
	circulationSvc.SetPromoter(reservationSvc)

	sweeper := sweep.New(reservationSvc, circulationSvc)

	fmt.Printf("🧹 Starting expiry sweeper, interval %s\n", cfg.SweepInterval)

	// Runs synchronously inside the loop so sweeps never overlap.
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sweeper shutting down")
			return
		case <-ticker.C:
			expired, err := sweeper.Run(ctx)
			if err != nil {
				log.Printf("Sweep finished with errors (expired %d holds): %v", expired, err)
				continue
			}
			log.Printf("Sweep complete: expired %d hold(s)", expired)
		}
	}
}
