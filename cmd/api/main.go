// cmd/api/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
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

	ctx := context.Background()
	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Setup(ctx, "libris-api", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("Failed to set up telemetry: %v", err)
		}
		defer shutdown(ctx)
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

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Mount("/api/v1/catalog", catalog.NewHandler(catalogSvc).Routes())
	router.Mount("/api/v1/circulation", circulation.NewHandler(circulationSvc).Routes())
	router.Mount("/api/v1/reservations", reservation.NewHandler(reservationSvc).Routes())

	fmt.Printf("🚀 Starting Libris API on %s\n", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, router))
}
