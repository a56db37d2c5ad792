package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"flowerfund/internal/account"
	"flowerfund/internal/cancellation"
	"flowerfund/internal/common/database"
	"flowerfund/internal/common/events"
	"flowerfund/internal/common/logging"
	"flowerfund/internal/common/middleware"
	"flowerfund/internal/common/nats"
	"flowerfund/internal/common/redis"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/api"
	"flowerfund/internal/ledger/store"
	"flowerfund/internal/outbox"
	"flowerfund/internal/payout"
	"flowerfund/internal/pledge"
	"flowerfund/internal/project"
	"flowerfund/internal/settlement"
	"flowerfund/internal/topup"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"LEDGER_PORT" default:"8085"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	// Store is "postgres" or "memory". The memory store loses everything on
	// exit and is meant for local runs.
	Store string `envconfig:"LEDGER_STORE" default:"postgres"`

	Log      logging.Config
	Database database.Config
	Ledger   ledger.Config
	NATS     nats.Config
	Redis    redis.Config
	Stripe   topup.StripeConfig
	Outbox   outbox.Config
}

// purchaseConsumer is the durable consumer reading gateway purchases.
const purchaseConsumer = "ledger-points-purchased"

func main() {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledger service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	backend, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var nc *nats.Client
	if cfg.NATS.Enabled() {
		nc, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()
	} else {
		logger.Warn("NATS_URL empty, outbox relay and purchase consumer disabled")
	}

	runner := ledger.NewRunner(backend, cfg.Ledger, logger)
	topUps := topup.NewService(runner, logger)

	services := api.Services{
		Accounts:     account.NewService(runner, logger),
		Projects:     project.NewService(runner, logger),
		Pledges:      pledge.NewService(runner, logger),
		Settlement:   settlement.NewService(runner, logger),
		Cancellation: cancellation.NewService(runner, logger),
		Payouts:      payout.NewService(runner, logger),
		TopUps:       topUps,
		Reader:       backend,
	}
	if cfg.Stripe.Enabled() {
		services.Stripe = topup.NewStripeWebhook(topUps, cfg.Stripe.WebhookSecret)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, stripe webhook disabled")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Identity)

	if cfg.Redis.Enabled() {
		rdb, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()

		r.Use(middleware.RateLimit(
			redis.NewLimiter(rdb, cfg.Redis.RateLimit, cfg.Redis.RateWindow),
			middleware.ActorOrIP,
			logger,
		))
		r.Use(middleware.Idempotency(redis.NewIdempotencyStore(rdb), cfg.Redis.IdempotencyTTL, logger))
		logger.Info("redis rate limiting and idempotency enabled")
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if nc != nil {
			if err := nc.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"broker unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", api.NewHandler(services, logger).Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting ledger service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.Store,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if nc != nil {
		if err := startMessaging(gctx, g, nc, backend, topUps, cfg, logger); err != nil {
			return err
		}
	}

	return g.Wait()
}

// openStore returns the configured ledger store, its health check and a
// closer.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (ledger.Store, func(context.Context) error, func(), error) {
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory ledger store, state is lost on exit")
		return store.NewMemory(), func(context.Context) error { return nil }, func() {}, nil

	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(cfg.Database.URL, database.MigrateUp, logger); err != nil {
				return nil, nil, nil, fmt.Errorf("migrating database: %w", err)
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		return store.NewPostgres(db, cfg.Database.LockTimeout), db.HealthCheck, db.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown LEDGER_STORE %q", cfg.Store)
	}
}

// startMessaging wires the outbox relay and the purchase consumer onto g.
func startMessaging(
	ctx context.Context,
	g *errgroup.Group,
	nc *nats.Client,
	backend ledger.Store,
	topUps *topup.Service,
	cfg Config,
	logger *slog.Logger,
) error {
	if err := nc.EnsureEventStream(ctx); err != nil {
		return err
	}

	relay, err := outbox.NewRelay(backend, nats.NewPublisher(nc, logger), cfg.Outbox, logger)
	if err != nil {
		return fmt.Errorf("creating outbox relay: %w", err)
	}
	g.Go(func() error {
		return relay.Run(ctx)
	})

	sub, err := nc.DurableConsumer(ctx, purchaseConsumer, events.EventPointsPurchased)
	if err != nil {
		return err
	}
	handler := topup.NewConsumer(topUps, logger)
	g.Go(func() error {
		if err := sub.Start(ctx, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("purchase consumer: %w", err)
		}
		return nil
	})
	return nil
}
