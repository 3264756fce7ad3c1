// Package app assembles the long-lived components shared by the API and
// worker binaries from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/config"
	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/handlers"
	"github.com/dunamismax/reelflow/internal/limiter"
	"github.com/dunamismax/reelflow/internal/media"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/provider"
	"github.com/dunamismax/reelflow/internal/recovery"
	"github.com/dunamismax/reelflow/internal/storage"
	"github.com/dunamismax/reelflow/internal/store"
	"github.com/dunamismax/reelflow/internal/webhook"
)

const thumbnailWidth = 320

// App holds the components both binaries run on. Close releases them in
// reverse order of construction.
type App struct {
	Config     config.Config
	Logger     zerolog.Logger
	Store      store.Store
	Objects    storage.ObjectStore
	Redis      redis.UniversalClient
	Feed       feed.Broker
	Handlers   *handlers.Set
	Completer  *dispatch.Completer
	JobMetrics *dispatch.Metrics
	Recovery   *recovery.Metrics

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	objects, err := openObjects(ctx, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Objects = objects

	if cfg.Feed.Driver == config.FeedRedis || cfg.API.RateLimitRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	broker, err := a.openFeed(cfg.Feed)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Feed = broker

	text, image, video, err := openProviders(cfg.Providers)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	retry := provider.DefaultRetryPolicy
	if cfg.Providers.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Providers.MaxAttempts
	}
	clips := handlers.DefaultVideoConfig()
	clips.PollInterval = cfg.Recovery.PollInterval
	clips.PollTimeout = cfg.Recovery.PollTimeout
	clips.ShotAttempts = cfg.Providers.ShotAttempts
	clips.ShotRetryPause = cfg.Providers.ShotRetryPause

	var assembler media.Assembler = media.FFmpeg{Binary: cfg.Providers.FFmpegPath}
	if cfg.Providers.Synthetic {
		assembler = media.Concat{}
	}

	a.Handlers = handlers.New(handlers.Deps{
		Text:      text,
		Image:     image,
		Video:     video,
		Objects:   objects,
		Assembler: assembler,
		Limits: limiter.New(map[domain.Category]limiter.ClassConfig{
			domain.CategoryText:  {Concurrency: cfg.Limits.Text},
			domain.CategoryImage: {Concurrency: cfg.Limits.Image},
			domain.CategoryVideo: {Concurrency: cfg.Limits.Video, Spacing: cfg.Limits.VideoSpacing},
		}),
		Retry:  retry,
		Clips:  clips,
		Logger: logger,
	})

	post := postprocess.New(objects, logger, postprocess.WithThumbnails(thumbnailWidth))
	a.Completer = dispatch.NewCompleter(st, post, broker, logger)
	a.JobMetrics = dispatch.NewMetrics(reg)
	a.Recovery = recovery.NewMetrics(reg)
	return a, nil
}

// DispatchConfig maps configuration onto dispatcher timeouts.
func (a *App) DispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.TextTimeout = a.Config.Dispatch.TextTimeout
	cfg.ImageTimeout = a.Config.Dispatch.ImageTimeout
	cfg.HeartbeatInterval = a.Config.Recovery.HeartbeatInterval
	return cfg
}

func (a *App) DetectorConfig() recovery.DetectorConfig {
	rc := a.Config.Recovery
	return recovery.DetectorConfig{
		StaleAfter:      rc.StaleAfter,
		SweepInterval:   rc.SweepInterval,
		StatusTimeout:   rc.StatusTimeout,
		MaxStatusChecks: rc.MaxStatusChecks,
		RecoverRunning:  rc.RecoverRunning,
	}
}

func (a *App) ResumeConfig() recovery.ResumeConfig {
	rc := a.Config.Recovery
	return recovery.ResumeConfig{
		PollInterval:      rc.PollInterval,
		PollTimeout:       rc.PollTimeout,
		HeartbeatInterval: rc.HeartbeatInterval,
	}
}

// NewResumeWorker builds the in-process resume runner.
func (a *App) NewResumeWorker() *recovery.ResumeWorker {
	return recovery.NewResumeWorker(a.ResumeConfig(), a.Store, a.Completer, a.Handlers.Resumables(), a.JobMetrics, a.Recovery, a.Logger)
}

func (a *App) NewDetector(resumer recovery.Resumer) *recovery.Detector {
	return recovery.NewDetector(a.DetectorConfig(), a.Store, a.Completer, a.Handlers.Resumables(), resumer, a.Recovery, a.Logger)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		st, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openObjects(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	if cfg.Driver != "minio" {
		return storage.NewMemoryStore(), nil
	}
	ms, err := storage.NewMinioStore(storage.Config{
		Endpoint:  cfg.Endpoint,
		Access:    cfg.AccessKey,
		Secret:    cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
		PublicURL: cfg.PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ms.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", ms.Bucket(), err)
	}
	return ms, nil
}

func (a *App) openFeed(cfg config.FeedConfig) (feed.Broker, error) {
	var primary feed.Broker = feed.NewHub()
	if cfg.Driver == config.FeedRedis {
		rb, err := feed.NewRedisBroker(a.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis feed: %w", err)
		}
		primary = rb
	}
	if cfg.WebhookURL == "" {
		return primary, nil
	}

	onError := func(err error) {
		a.Logger.Warn().Err(err).Str("endpoint", cfg.WebhookURL).Msg("webhook delivery failed")
	}
	client := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.WebhookSecret,
		Timeout:        10 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	})
	return feed.NewFanout(primary, onError, feed.NewWebhookSink(client, cfg.WebhookURL, onError)), nil
}

func openProviders(cfg config.ProvidersConfig) (provider.TextGenerator, provider.ImageGenerator, provider.VideoGenerator, error) {
	if cfg.Synthetic {
		s := provider.NewSynthetic()
		return s, s, s, nil
	}

	open := func(name, baseURL, key string) (*provider.HTTPClient, error) {
		c, err := provider.NewHTTPClient(provider.HTTPConfig{
			Name:    name,
			BaseURL: baseURL,
			APIKey:  key,
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s provider: %w", name, err)
		}
		return c, nil
	}
	text, err := open("text", cfg.TextURL, cfg.TextKey)
	if err != nil {
		return nil, nil, nil, err
	}
	image, err := open("image", cfg.ImageURL, cfg.ImageKey)
	if err != nil {
		return nil, nil, nil, err
	}
	video, err := open("video", cfg.VideoURL, cfg.VideoKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return provider.TextClient{HTTPClient: text}, provider.ImageClient{HTTPClient: image}, provider.VideoClient{HTTPClient: video}, nil
}
