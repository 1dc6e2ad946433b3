package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on.
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// StripeSecretKey authenticates against the Stripe REST API. Checkout and
	// portal endpoints return 503 while it is empty.
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`

	// StripePriceID is the recurring price sold by checkout.
	StripePriceID string `env:"STRIPE_PRICE_ID"`

	// StripeWebhookSecret verifies Stripe-Signature headers. When empty,
	// webhook payloads are accepted unverified (local development only).
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// AppBaseURL is where checkout and the portal send the user back to.
	AppBaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8081"`

	// CheckoutRatePerMinute caps checkout/portal requests per client IP.
	CheckoutRatePerMinute int `env:"CHECKOUT_RATE_PER_MINUTE" envDefault:"20"`

	// WorkerConcurrency is the number of webhook job processors.
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// WorkerPollInterval is how often idle processors look for new jobs.
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
}

// ClientConfig configures the swiftie CLI.
type ClientConfig struct {
	// BackendURL is the backend that proxies checkout, portal and entitlement
	// reads.
	BackendURL string `env:"BACKEND_URL" envDefault:"http://localhost:18111"`

	// DatabaseURL, when set, makes the CLI read subscriptions directly from
	// Postgres instead of through the backend.
	DatabaseURL string `env:"DATABASE_URL"`

	// UserID is the default signed-in user.
	UserID string `env:"SWIFTIE_USER_ID"`

	// Email pre-fills checkout.
	Email string `env:"SWIFTIE_EMAIL"`
}

// Load reads server configuration from environment variables, applies
// defaults, and validates it.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadClient reads CLI configuration from environment variables.
func LoadClient() (ClientConfig, error) {
	cfg, err := env.ParseAs[ClientConfig]()
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.BackendURL); err != nil {
		return ClientConfig{}, fmt.Errorf("config: invalid BACKEND_URL: %w", err)
	}
	return cfg, nil
}

// StripeEnabled reports whether checkout and portal sessions can be created.
func (c Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

func (c Config) validate() error {
	if c.CheckoutRatePerMinute <= 0 {
		return errors.New("config: CHECKOUT_RATE_PER_MINUTE must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return errors.New("config: WORKER_CONCURRENCY must be positive")
	}
	if c.WorkerPollInterval <= 0 {
		return errors.New("config: WORKER_POLL_INTERVAL must be positive")
	}
	if _, err := url.ParseRequestURI(c.AppBaseURL); err != nil {
		return fmt.Errorf("config: invalid APP_BASE_URL: %w", err)
	}
	if c.StripeEnabled() && c.StripePriceID == "" {
		return errors.New("config: STRIPE_PRICE_ID is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}
