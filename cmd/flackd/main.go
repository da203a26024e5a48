package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flack/internal/config"
	"flack/internal/connectivity"
	"flack/internal/constants"
	"flack/internal/models"
	"flack/internal/outbox"
	"flack/internal/retry"
	"flack/internal/store"
	"flack/internal/tracing"
	"flack/pkg/backend"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message previews)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("flackd %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting flackd")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message previews will be logged")
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		if level > logrus.InfoLevel {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	environment := os.Getenv("FLACK_ENV")
	if environment == "" {
		environment = "development"
	}

	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    "flack",
		ServiceVersion: Version,
		Environment:    environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Open the local store with exponential backoff: on a fresh boot the
	// data directory may race the daemon (network mounts, slow disks).
	var st *store.Store
	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   constants.DefaultBackoffMultiplier,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       constants.DefaultBackoffJitter,
	}
	backoff := retry.NewBackoff(backoffConfig)

	err = backoff.Retry(ctx, func() error {
		var openErr error
		st, openErr = store.Open(cfg.Database.Path)
		if openErr != nil {
			logger.Warnf("Failed to open local store: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return fmt.Errorf("failed to open local store after retries: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("Failed to close local store: %v", err)
		}
	}()

	tokens := backend.StaticToken(os.Getenv("FLACK_AUTH_TOKEN"))
	if cfg.Backend.AuthTokenFile != "" {
		tokens = backend.FileToken(cfg.Backend.AuthTokenFile)
	}
	readToken := func() string {
		token, err := tokens()
		if err != nil {
			logger.WithError(err).Warn("Failed to read auth token, sending without credentials")
			return ""
		}
		return token
	}

	httpClient := &http.Client{
		Timeout: time.Duration(cfg.Backend.TimeoutSec) * time.Second,
	}
	client := backend.NewClient(cfg.Backend.BaseURL, httpClient, logger)

	queue := outbox.New(st, cfg.Queue, cfg.Retry, logger)
	queue.SetTokenSource(readToken)
	queue.SetSender(outbox.SenderFunc(func(ctx context.Context, entry models.QueueEntry, authToken string) (string, error) {
		resp, err := client.SendMessage(ctx, &backend.SendMessageRequest{
			ChannelID:        entry.ChannelID,
			Body:             entry.Body,
			AuthorName:       entry.AuthorName,
			ClientMutationID: entry.ClientMutationID,
		}, authToken)
		if err != nil {
			return "", err
		}
		return resp.MessageID, nil
	}))
	queue.Start(ctx)
	defer queue.Stop()

	monitor := connectivity.NewMonitor(client, readToken, queue, logger,
		time.Duration(cfg.Connectivity.ProbeIntervalSec)*time.Second,
		time.Duration(cfg.Connectivity.ProbeTimeoutSec)*time.Second)
	monitor.Start(ctx)
	defer monitor.Stop()

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(next *models.Config) {
		if *verbose {
			return
		}
		level, err := logrus.ParseLevel(next.LogLevel)
		if err != nil {
			logger.Warnf("Ignoring invalid log level %q from reloaded config", next.LogLevel)
			return
		}
		if level > logrus.InfoLevel {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher failed to start")
		}
	}()

	server := NewServer(cfg.Server, queue, monitor, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
