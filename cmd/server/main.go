package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/tally/internal"
	"github.com/dukerupert/tally/internal/billing"
	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/email"
	"github.com/dukerupert/tally/internal/events"
	billinghandler "github.com/dukerupert/tally/internal/handler/billing"
	"github.com/dukerupert/tally/internal/handler/webhook"
	"github.com/dukerupert/tally/internal/jobs"
	"github.com/dukerupert/tally/internal/middleware"
	"github.com/dukerupert/tally/internal/mirror"
	"github.com/dukerupert/tally/internal/postgres"
	"github.com/dukerupert/tally/internal/router"
	"github.com/dukerupert/tally/internal/routes"
	"github.com/dukerupert/tally/internal/service"
	"github.com/dukerupert/tally/internal/telemetry"
	"github.com/dukerupert/tally/internal/worker"
)

const (
	shutdownTimeout  = 15 * time.Second
	smtpCheckTimeout = 10 * time.Second
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialize Sentry
	flushSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              cfg.Sentry.DSN,
		Enabled:          cfg.Sentry.Enabled,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		Debug:            cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	// Run migrations over database/sql
	logger.Info("Running database migrations...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := internal.RunMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return fmt.Errorf("migration failed: %w", err)
	}
	sqlDB.Close()
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := postgres.NewPool(ctx, cfg.DatabaseUrl)
	if err != nil {
		return err
	}
	defer pool.Close()

	users := postgres.NewUserStore(pool)
	store := postgres.NewBillingStore(pool)

	// Initialize Stripe gateway
	gateway, err := billing.NewStripeGateway(billing.StripeConfig{
		APIKey:   cfg.Stripe.SecretKey,
		Currency: cfg.Stripe.Currency,
		Timeout:  time.Duration(cfg.Stripe.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe gateway: %w", err)
	}
	logger.Info("Stripe gateway initialized", "test_mode", cfg.Stripe.IsTestMode())

	// Initialize email
	notifier, err := email.NewService(newSender(ctx, cfg.Email, logger), cfg.Email.From, cfg.Email.FromName, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize email service: %w", err)
	}

	svcConfig := service.BillingServiceConfig{
		Store:     store,
		Users:     users,
		Gateway:   gateway,
		Verifier:  billing.NewStripeVerifier(cfg.Stripe.WebhookSecret),
		Notifier:  notifier,
		Publisher: events.NopPublisher{},
		Currency:  cfg.Stripe.Currency,
		Logger:    logger,
	}

	// Optional post-meta mirror
	if cfg.Redis.URL != "" {
		m, err := mirror.NewRedisMirror(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer m.Close()
		svcConfig.Mirror = m
		logger.Info("Redis mirror enabled", "prefix", cfg.Redis.KeyPrefix)
	}

	// Optional event fan-out
	if cfg.NATS.URL != "" {
		p, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer p.Close()
		svcConfig.Publisher = p
		logger.Info("NATS publisher enabled", "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	billingService, err := service.NewBillingService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize billing service: %w", err)
	}

	// Router and middleware
	metrics := middleware.NewMetrics(telemetry.DefaultNamespace, nil)

	securityConfig := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env == "dev" {
		securityConfig.HSTSMaxAge = 0
	}

	r := router.New(
		router.Recovery(logger),
		middleware.RequestID,
		metrics.Middleware,
		middleware.SecurityHeaders(securityConfig),
		middleware.MaxBodySize(middleware.DefaultMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
		router.Logger(logger),
	)

	routes.RegisterSystemRoutes(r, routes.SystemDeps{
		Health:  func(req *http.Request) error { return pool.Ping(req.Context()) },
		Metrics: promhttp.Handler(),
	})
	routes.RegisterBillingRoutes(r, routes.BillingDeps{
		Handler: billinghandler.NewHandler(billingService),
		Users:   users,
		Identified: []router.Middleware{
			telemetry.SentryContextMiddleware(sentryUser),
			middleware.WithRequestLogger(logger),
		},
	})
	routes.RegisterWebhookRoutes(r.Group(middleware.WithRequestLogger(logger)), routes.WebhookDeps{
		Handler: webhook.NewHandler(billingService),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	maintenance := worker.NewWorker(worker.Config{
		Interval:   time.Duration(cfg.Maintenance.IntervalMinutes) * time.Minute,
		RunOnStart: true,
	}, logger, jobs.NewWebhookRetention(store, time.Duration(cfg.Maintenance.WebhookRetentionDays)*24*time.Hour, logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return maintenance.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting billing server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down billing server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newSender picks Postmark when a token is configured, SMTP when a host is
// configured, and logs messages otherwise.
func newSender(ctx context.Context, cfg internal.EmailConfig, logger *slog.Logger) email.Sender {
	switch {
	case cfg.PostmarkToken != "":
		logger.Info("Email via Postmark")
		return email.NewPostmarkSender(cfg.PostmarkToken, cfg.From)
	case cfg.Host != "":
		logger.Info("Email via SMTP", "host", cfg.Host, "port", cfg.Port)
		sender := email.NewSMTPSender(&email.SMTPConfig{
			Host:     cfg.Host,
			Port:     int(cfg.Port),
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			FromName: cfg.FromName,
		}, logger)
		// Unreachable relays only warn; notices are best-effort.
		checkCtx, cancel := context.WithTimeout(ctx, smtpCheckTimeout)
		if err := sender.TestConnection(checkCtx); err != nil {
			logger.Warn("SMTP connection check failed", "host", cfg.Host, "error", err)
		}
		cancel()
		return sender
	default:
		logger.Warn("No email transport configured, logging messages instead")
		return email.NewLogSender(logger)
	}
}

func sentryUser(ctx context.Context) *telemetry.UserInfo {
	user := domain.UserFromContext(ctx)
	if user == nil {
		return nil
	}
	return &telemetry.UserInfo{ID: strconv.FormatInt(user.ID, 10), Email: user.Email}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
