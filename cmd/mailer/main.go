package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formrelay/formrelay/internal/config"
	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/health"
	"github.com/formrelay/formrelay/internal/logger"
	"github.com/formrelay/formrelay/internal/reaper"
	"github.com/formrelay/formrelay/internal/render"
	"github.com/formrelay/formrelay/internal/sidestate"
	"github.com/formrelay/formrelay/internal/smtp"
	"github.com/formrelay/formrelay/internal/storage"
	"github.com/formrelay/formrelay/internal/worker"
)

func main() {
	retrier := flag.Bool("retrier", false, "consume the retry queue instead of the primary stream")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Initialize structured JSON logger
	logCfg := logger.DefaultConfig()
	if cfg.Debug {
		logCfg.Level = "debug"
	}
	appLogger := logger.New(logCfg)
	slog.SetDefault(appLogger)

	if err := cfg.Validate(); err != nil {
		appLogger.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mode := worker.Primary()
	if *retrier {
		mode = worker.Retry()
	}

	appLogger.Info("Starting mailer",
		slog.String("mode", mode.Name),
		slog.String("stream", mode.Stream),
		slog.String("consumer", mode.Consumer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Side-state store: one blocking connection, one command connection
	store, err := sidestate.New(bootCtx, cfg.Redis.URL, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	// Form metadata store: authentication must succeed before consuming
	formClient := forms.NewClient(cfg.PocketBase.URL, cfg.PocketBase.Email, cfg.PocketBase.Password, appLogger)
	if err := formClient.Authenticate(bootCtx); err != nil {
		appLogger.Error("Failed to authenticate with form store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Attachment object store
	objectStore := storage.New(storage.Config{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})

	// SMTP transport
	sender := smtp.NewSender(smtp.Config{
		Hostname:   cfg.SMTP.Hostname,
		Port:       cfg.SMTP.Port,
		Security:   cfg.SMTP.Security,
		Auth:       cfg.SMTP.Auth,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		PrivateKey: cfg.SMTP.PrivateKey,
		AccessURL:  cfg.SMTP.AccessURL,
		Pool:       cfg.SMTP.Pool,
	}, appLogger)
	defer sender.Close()

	// The stream must already exist; the producer owns its creation
	exists, err := store.StreamExists(bootCtx, mode.Stream)
	if err != nil {
		appLogger.Error("Failed to check stream", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if !exists {
		appLogger.Error("Target stream does not exist", slog.String("stream", mode.Stream))
		os.Exit(1)
	}

	attachmentReaper := reaper.New(store, objectStore, appLogger)
	executor := worker.NewExecutor(
		formClient,
		render.New(),
		sender,
		attachmentReaper,
		store,
		appLogger,
		cfg.Consumer.MaxRetries,
		cfg.APIURL,
	)
	consumer := worker.NewConsumer(mode, store, executor, attachmentReaper, store, worker.ConsumerConfig{
		BatchSize:     int64(cfg.Consumer.BatchSize),
		Block:         cfg.Consumer.Block,
		RetryInterval: cfg.Consumer.RetryInterval,
	}, appLogger)

	healthHandler := health.NewHandler(health.Config{
		Checks: map[string]health.Checker{
			"redis":          health.CheckerFunc(store.Ping),
			"redis_blocking": health.CheckerFunc(store.PingBlocking),
			"pocketbase":     health.CheckerFunc(formClient.Ping),
			"minio":          health.CheckerFunc(objectStore.Ping),
		},
		Mode: mode.Name,
	})
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthHandler.Router()}
	if cfg.HealthAddr != "" {
		go func() {
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error("Health server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Run the loop until shutdown or stream-connection loss
	runErr := consumer.Run(ctx)

	appLogger.Info("Shutting down mailer...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthServer.Shutdown(shutdownCtx)

	if err := sender.Close(); err != nil {
		appLogger.Warn("Error closing SMTP transport", slog.String("error", err.Error()))
	}
	formClient.ClearAuth()

	if runErr != nil {
		appLogger.Error("Consumer aborted", slog.String("error", runErr.Error()))
		_ = store.Close()
		os.Exit(1)
	}

	appLogger.Info("Mailer stopped gracefully")
}
