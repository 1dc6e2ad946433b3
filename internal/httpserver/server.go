package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/config"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/handlers"
	ratelimit "github.com/PortNumber53/swiftie-ranker/backend/internal/middleware"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/worker"
)

// Deps are the collaborators the routes are built from. Billing may be nil
// when Stripe is not configured; checkout and portal then answer 503.
type Deps struct {
	DB            handlers.Pinger
	Subscriptions handlers.SubscriptionReader
	Billing       handlers.CheckoutService
	Jobs          handlers.JobReader
	Queue         handlers.JobEnqueuer
	Worker        *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	cancel     context.CancelFunc
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB, deps.Billing != nil))

	if deps.Subscriptions != nil {
		router.Get("/api/entitlement", handlers.Entitlement(deps.Subscriptions, time.Now))
		router.Get("/api/subscriptions", handlers.Subscriptions(deps.Subscriptions))
	}

	limiter := ratelimit.NewRateLimiter(cfg.CheckoutRatePerMinute)
	router.Group(func(r chi.Router) {
		r.Use(limiter.Middleware())
		r.Post("/api/checkout", handlers.Checkout(deps.Billing))
		r.Post("/api/portal", handlers.Portal(deps.Billing))
	})

	if deps.Queue != nil {
		router.Post("/api/webhooks/stripe", handlers.StripeWebhook(deps.Queue, cfg.StripeWebhookSecret))
	}

	if deps.Jobs != nil {
		var local handlers.WorkerStats
		if deps.Worker != nil {
			local = deps.Worker.GetStats
		}
		router.Get("/api/jobs/stats", handlers.JobStats(deps.Jobs, local))
		router.Get("/api/jobs/{id}", handlers.GetJob(deps.Jobs))
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		log.Println("[server] Starting job worker...")
		s.worker.Start(ctx)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Println("[server] Shutting down job worker...")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Printf("[server] Worker shutdown error: %v", werr)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// Run serves until ctx is done and then shuts down, allowing shutdownTimeout
// for open requests and in-flight jobs. It returns only once Shutdown has
// finished, so the worker has handed its jobs back before the process exits.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr <- s.Shutdown(sctx)
	}()

	if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.Shutdown(sctx)
		return err
	}
	return <-shutdownErr
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
