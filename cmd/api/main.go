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

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/api"
	"github.com/dunamismax/reelflow/internal/app"
	"github.com/dunamismax/reelflow/internal/config"
	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/logging"
	"github.com/dunamismax/reelflow/internal/queue"
	"github.com/dunamismax/reelflow/internal/ratelimit"
	"github.com/dunamismax/reelflow/internal/recovery"
	"github.com/dunamismax/reelflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppEnv).With().Str("service", "api").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	registry := api.NewRegistry()
	a, err := app.New(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}()

	dispatcher := dispatch.New(a.DispatchConfig(), a.Store, a.Handlers, a.Completer, a.JobMetrics, logger)

	var (
		resumer      recovery.Resumer
		resumeWorker *recovery.ResumeWorker
	)
	switch cfg.Recovery.Transport {
	case config.ResumeAsynq:
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Recovery.PollTimeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close failed")
			}
		}()
		resumer = queueClient
	default:
		resumeWorker = a.NewResumeWorker()
		resumer = resumeWorker
	}

	detector := a.NewDetector(resumer)
	if n, err := detector.ResumeOrphans(ctx); err != nil {
		logger.Error().Err(err).Msg("resume orphans failed")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("orphaned jobs resumed")
	}
	go func() {
		if err := detector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("stale detector stopped")
		}
	}()

	limiter, err := newRateLimiter(cfg, a)
	if err != nil {
		return err
	}
	server := api.NewServer(logger, dispatcher, a.Store, a.Feed, api.Options{
		Registry:    registry,
		RateLimiter: limiter,
	})

	// No WriteTimeout: the event stream holds responses open.
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Str("store", cfg.Database.Driver).Str("resume", cfg.Recovery.Transport).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("in_flight", dispatcher.InFlight()).Msg("dispatcher did not drain")
	}
	if resumeWorker != nil {
		if err := resumeWorker.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Int("active", resumeWorker.Active()).Msg("resume worker did not drain")
		}
	}
	return nil
}

func newRateLimiter(cfg config.Config, a *app.App) (ratelimit.Limiter, error) {
	if cfg.API.RateLimitPerSec <= 0 || cfg.API.RateLimitBurst <= 0 {
		return nil, nil
	}
	if cfg.API.RateLimitRedis {
		limiter, err := ratelimit.NewRedisTokenBucket(a.Redis, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst, ratelimit.DefaultKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return limiter, nil
	}
	limiter, err := ratelimit.NewLocalTokenBucket(cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return limiter, nil
}
