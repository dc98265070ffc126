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

	"github.com/dunamismax/pixelfit/internal/api"
	"github.com/dunamismax/pixelfit/internal/config"
	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/logging"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/ratelimit"
	"github.com/dunamismax/pixelfit/internal/storage"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/dunamismax/pixelfit/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New("pixelfit-api", logging.Config(cfg.Log))
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "pixelfit-api",
		Exporter:       cfg.Trace.Exporter,
		OTLPEndpoint:   cfg.Trace.OTLPEndpoint,
		OTLPInsecure:   cfg.Trace.OTLPInsecure,
		ServiceVersion: version,
		Environment:    cfg.Trace.Environment,
		SampleRatio:    cfg.Trace.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = closeStore() }()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,

		MaxObjectBytes: cfg.Storage.MaxObjectBytes,
	})
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Warn("ensure bucket failed; presigned uploads may not work", zap.Error(err))
	}

	opts := api.Options{
		PresignTTL:       cfg.API.PresignTTL,
		UserIDHeader:     cfg.RateLimit.UserIDHeader,
		MaxBatchJobs:     cfg.Batch.MaxJobs,
		PixelsPerCost:    cfg.RateLimit.PixelsPerCost,
		MaxSafeDimension: cfg.Pipeline.MaxSafeDimension,
		Planner:          downscale.Options{MinStepRatio: cfg.Pipeline.MinStepRatio, MaxSteps: cfg.Pipeline.MaxSteps},
		Tracer:           otel.Tracer("pixelfit/api"),
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window,
			ratelimit.WithKeyPrefix(cfg.RateLimit.KeyPrefix))
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger.Named("http"), queueClient, jobStore, storageClient, opts)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
