package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"templateshop.app/api/handlers"
	"templateshop.app/api/internal/catalog"
	"templateshop.app/api/internal/config"
	"templateshop.app/api/internal/email"
	"templateshop.app/api/internal/fulfillment"
	"templateshop.app/api/internal/licensekey"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/internal/version"
	"templateshop.app/api/internal/webhook"
	"templateshop.app/api/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	release, err := version.FromFile("VERSION")
	if err != nil {
		logger.Warn("Could not read version file", logger.Fields{"error": err.Error()})
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Flush(2 * time.Second)

	if err := run(cfg, release); err != nil {
		sentry.CaptureException(err)
		logger.Error("Server stopped with error", logger.Fields{"error": err.Error()})
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config, release string) error {
	db, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	mapping, err := catalog.LoadMapping(cfg.ProductMapFile)
	if err != nil {
		return err
	}
	seeded, err := catalog.SeedTemplates(context.Background(), db, mapping)
	if err != nil {
		return err
	}
	logger.Info("Product mapping loaded", logger.Fields{
		"file":     cfg.ProductMapFile,
		"packages": mapping.Len(),
		"seeded":   seeded,
	})

	engine := fulfillment.New(db, catalog.NewResolver(mapping), licensekey.New(cfg.LicensePrefix),
		fulfillment.WithPolicy(fulfillment.Policy{
			SingleMaxUsage:   cfg.LicenseSingleMaxUsage,
			ExtendedMaxUsage: cfg.LicenseExtendedMaxUsage,
			Validity:         cfg.LicenseValidity,
		}),
		fulfillment.WithSender(newSender(cfg)),
	)

	verifier := webhook.NewVerifier(cfg.WebhookSecret, webhook.VerifierOptions{
		AllowUnsigned: cfg.AllowUnsignedWebhooks,
		Environment:   cfg.Environment,
	})

	server := handlers.NewHttpServer(db, engine, verifier, handlers.Options{
		Version:            release,
		WebhookTimeout:     cfg.WebhookTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		LicenseRateLimit:   cfg.LicenseRateLimit,
		LicenseRateWindow:  cfg.LicenseRateWindow,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.WebhookTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Template shop API starting", logger.Fields{
			"version":     release,
			"port":        cfg.Port,
			"environment": cfg.Environment,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newSender picks SMTP delivery when configured and logs messages otherwise.
func newSender(cfg *config.Config) email.Sender {
	if !cfg.EmailEnabled() {
		return email.LogSender{}
	}
	sender, err := email.NewSMTPSender(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		logger.Warn("E-mail falls back to the log", logger.Fields{"error": err.Error()})
		return email.LogSender{}
	}
	return sender
}
