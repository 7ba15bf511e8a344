// cmd/creamd/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"creamcrm/internal/chaos"
	"creamcrm/internal/config"
	"creamcrm/internal/ledger"
	"creamcrm/internal/loyalty"
	"creamcrm/internal/passgen"
	"creamcrm/internal/push"
	"creamcrm/internal/telemetry"
	"creamcrm/internal/updates"
	"creamcrm/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config:\n%v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("creamd stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "creamd", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	generator, err := passgen.New(passgen.Config{
		PassTypeID:       cfg.PassTypeID,
		TeamID:           cfg.TeamID,
		OrganizationName: cfg.OrganizationName,
		WebServiceURL:    cfg.WebServiceURL(),
		AuthSecret:       cfg.PassAuthSecret,
		CertPath:         cfg.PassCertPath,
		KeyPath:          cfg.PassKeyPath,
		KeyPassphrase:    cfg.PassKeyPassphrase,
		P12Path:          cfg.PassP12Path,
		WWDRPath:         cfg.WWDRCertPath,
		TemplateDir:      cfg.PassTemplateDir,
	})
	if err != nil {
		return fmt.Errorf("load pass signer: %w", err)
	}

	certPath, keyPath, p12Path, passphrase := cfg.APNsCredentials()
	var sender push.Sender
	sender, err = push.NewAPNsSender(push.APNsConfig{
		CertPath:   certPath,
		KeyPath:    keyPath,
		P12Path:    p12Path,
		Passphrase: passphrase,
		Topic:      cfg.PassTypeID,
		Production: cfg.APNsProduction,
	})
	if err != nil {
		return fmt.Errorf("load apns credentials: %w", err)
	}
	if injector := chaos.NewInjector(cfg.ChaosPushFailureRate, cfg.ChaosPushLatency); injector.Active() {
		logger.Warn("chaos fault injection enabled on push path",
			zap.Float64("failure_rate", cfg.ChaosPushFailureRate),
			zap.Duration("latency", cfg.ChaosPushLatency),
		)
		sender = chaos.WrapSender(sender, injector)
	}

	dispatcher, err := push.NewDispatcher(sender, logger, push.Options{
		Timeout:       cfg.PushTimeout,
		Concurrency:   cfg.PushConcurrency,
		RatePerSecond: cfg.PushRatePerSecond,
	})
	if err != nil {
		return err
	}
	orchestrator := updates.NewOrchestrator(store, dispatcher, logger, updates.Options{PushTimeout: cfg.PushTimeout})

	svc, err := loyalty.NewService(store, orchestrator, logger, loyalty.Options{
		RegistrationsPerMinute: cfg.RegistrationRatePerMinute,
	})
	if err != nil {
		return err
	}

	router := newRouter(cfg, logger, routes{
		loyalty: loyalty.NewHandler(svc, generator, logger),
		wallet:  wallet.NewHandler(wallet.NewRegistry(store), store, generator, logger),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("creamd listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("web_service_url", cfg.WebServiceURL()),
			zap.Bool("staff_auth", cfg.StaffJWTSecret != ""),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		orchestrator.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("pending pass pushes abandoned at shutdown")
	}
	return nil
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return ledger.NewMemoryStore(nil), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := ledger.Migrate(pingCtx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return ledger.NewPostgresStore(db), func() { db.Close() }, nil
}
