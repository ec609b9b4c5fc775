package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"locumbook/agreement"
	"locumbook/application"
	"locumbook/auth"
	"locumbook/billing"
	"locumbook/config"
	"locumbook/db"
	"locumbook/metrics"
	"locumbook/outbox"
)

func main() {
	flags := pflag.NewFlagSet("locumbook-api", pflag.ExitOnError)
	envFile := flags.String("env-file", "", "dotenv file to load before reading the environment (default .env if present)")
	addr := flags.String("addr", "", "listen address, overrides HTTP_ADDR")
	migrate := flags.Bool("migrate", false, "apply schema migrations before serving")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("configure logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrate, log); err != nil {
		log.WithError(err).Fatal("api stopped")
	}
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func run(ctx context.Context, cfg *config.Config, migrate bool, log *logrus.Logger) error {
	collectors := metrics.New()
	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	var trigger agreement.InvoiceTrigger = billing.LogClient{Log: log.WithField("component", "billing")}
	if cfg.Billing.WebhookURL != "" {
		trigger = billing.NewWebhookClient(cfg.Billing.WebhookURL, cfg.Billing.Timeout)
	}

	var (
		agreementRepo agreement.Repository
		invoiceKeys   agreement.IdempotencyStore
		applications  application.Repository
		store         outbox.Store
	)
	if cfg.Memory() {
		log.Warn("DATABASE_URL not set; using in-memory stores")
		memOutbox := outbox.NewMemoryStore()
		agreementRepo = agreement.NewMemoryRepository().WithOutbox(memOutbox)
		invoiceKeys = agreement.NewMemoryIdempotencyStore().WithLease(cfg.Billing.Lease)
		applications = application.NewMemoryRepository().WithOutbox(memOutbox)
		store = memOutbox
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()

		if migrate {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.WithField("applied", applied).Info("schema migrated")
		}
		agreementRepo = agreement.NewPGRepository(pool)
		invoiceKeys = agreement.NewPGIdempotencyStore(pool).WithLease(cfg.Billing.Lease)
		applications = application.NewPGRepository(pool)
		store = outbox.NewPGStore(pool)
	}
	relay := outbox.NewRelay(store).
		WithWorkers(cfg.Outbox.Workers).
		WithInterval(cfg.Outbox.PollInterval).
		WithLogger(log.WithField("component", "outbox")).
		WithMetrics(collectors)

	manager := agreement.NewManager(agreementRepo).
		WithInvoiceDispatcher(agreement.NewInvoiceDispatcher(invoiceKeys, trigger)).
		WithLogger(log.WithField("component", "agreement")).
		WithMetrics(collectors).
		WithTTL(cfg.Agreement.TTL).
		WithIDGenerator(uuid.NewString)
	coordinator := application.NewCoordinator(applications).
		WithAgreementCreator(manager).
		WithLogger(log.WithField("component", "application")).
		WithMetrics(collectors).
		WithIDGenerator(uuid.NewString)

	limiter := newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	srv := &server{
		applications: coordinator,
		agreements:   manager,
		verifier:     verifier,
		limiter:      limiter,
		proxies:      trustedProxies(cfg.TrustedProxies),
		metrics:      collectors,
		log:          log,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.run(ctx)
		return nil
	})
	relay.Handle(agreement.OutboxTopicContractBooked, outbox.BookingHandler(manager)).
		Handle(agreement.OutboxTopicFullySigned, outbox.InvoiceHandler(manager))
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "memory": cfg.Memory()}).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
