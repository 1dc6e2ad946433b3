package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/account"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/billing"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/cli"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/config"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/entitlement"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup runs before exit.
func run(args []string) int {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.LoadClient()
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return 1
	}

	backend := billing.NewClient(cfg.BackendURL, billing.WithEmail(cfg.Email))

	var (
		records entitlement.RecordStore = backend
		history cli.HistoryReader       = backend
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Printf("failed to open database: %v", err)
			return 1
		}
		defer db.Close()

		direct, err := store.New(db)
		if err != nil {
			log.Printf("failed to create store: %v", err)
			return 1
		}
		records = direct
		history = direct
	}

	resolver := entitlement.NewResolver(records,
		entitlement.WithPayments(backend),
		entitlement.WithNavigator(cli.PrintNavigator(os.Stdout)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cli.Execute(ctx, &cli.App{
		Resolver:      resolver,
		Session:       account.NewSession(),
		History:       history,
		DefaultUserID: cfg.UserID,
	}, args)
	if err != nil {
		return 1
	}
	return 0
}
