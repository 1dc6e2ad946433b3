package main

import (
	"context"
	"database/sql"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/billing"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/config"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/httpserver"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/migrations"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/store"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatalf("failed to apply database migrations: %v", err)
	}

	subscriptions, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		log.Fatalf("failed to create job store: %v", err)
	}

	deps := httpserver.Deps{
		DB:            db,
		Subscriptions: subscriptions,
		Jobs:          jobs,
	}

	if cfg.StripeEnabled() {
		svc, err := billing.NewService(subscriptions, stripe.NewClient(cfg.StripeSecretKey), billing.Config{
			PriceID:    cfg.StripePriceID,
			AppBaseURL: cfg.AppBaseURL,
		})
		if err != nil {
			log.Fatalf("failed to create billing service: %v", err)
		}

		workerCfg := worker.DefaultConfig()
		workerCfg.Concurrency = cfg.WorkerConcurrency
		workerCfg.PollInterval = cfg.WorkerPollInterval
		// Running jobs never outlive JobTimeout, so a row processing for
		// twice that long belongs to a worker that died mid-job.
		jobs.SetStaleAfter(2 * workerCfg.JobTimeout)
		w := worker.New(workerCfg, jobs)
		worker.RegisterBillingJobs(w, svc)

		deps.Billing = svc
		deps.Queue = w
		deps.Worker = w

		if cfg.StripeWebhookSecret == "" {
			log.Printf("warning: STRIPE_WEBHOOK_SECRET is not set; webhook signatures will not be verified")
		}
	} else {
		log.Printf("STRIPE_SECRET_KEY is not set; checkout, portal and webhooks are disabled")
	}

	srv := httpserver.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("backend starting on %s", cfg.ServerAddress)
	if err := srv.Run(shutdownCtx, 40*time.Second); err != nil {
		log.Printf("server exited with error: %v", err)
		stop()
		db.Close()
		os.Exit(1)
	}
	log.Printf("backend stopped")
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	err := migrations.Up(db)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}

	log.Printf("migrations(%s): dirty database detected, attempting to fix...", name)
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Printf("migrations(%s): failed to fix dirty database: %v", name, fixErr)
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Only hostname and database name; the DSN carries the password.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Printf("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	log.Printf("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
