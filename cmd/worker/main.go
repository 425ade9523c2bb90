package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"storytime/internal/admission"
	"storytime/internal/infra"
	"storytime/internal/ledger"
	"storytime/internal/notify"
	"storytime/internal/orchestrate"
	"storytime/internal/registry"
	"storytime/internal/stage"
	"storytime/internal/storage"
)

// The worker runs the pipeline without the HTTP surface: it recovers
// interrupted jobs from the registry and drains its own submission queue.
// Deploy it next to an API node that shares the same database.
func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig(ctx)
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("worker: DATABASE_URL is required, a standalone worker has no jobs without one")
	}
	if err := registry.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("worker: migrations failed")
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	reg := registry.NewPostgres(pool)
	credits := ledger.NewPostgres(pool, logger)
	subs := notify.NewPostgresSubscriptions(pool)

	var counters admission.CounterStore
	if cfg.RedisAddr != "" {
		counters = admission.NewRedisCounters(cfg.RedisAddr)
	} else {
		logger.Warn().Msg("worker: REDIS_ADDR not set, concurrency caps are per-process")
		counters = admission.NewMemoryCounters()
	}
	controller := admission.NewController(counters, credits, logger)

	store, err := newAssetStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	if cfg.VisionAPIKey == "" || cfg.StoryAPIKey == "" || cfg.SpeechAPIKey == "" {
		logger.Warn().Msg("worker: upstream api keys missing, affected stages run synthetic")
	}

	sender := notify.NewWebhookSender(
		notify.WebhookPolicy{
			MaxAttempts: cfg.WebhookRetries,
			BaseDelay:   cfg.WebhookBaseDelay,
			MaxDelay:    cfg.WebhookMaxDelay,
		},
		&http.Client{Timeout: cfg.WebhookTimeout},
		logger,
	)
	hub := notify.NewHub(logger)
	dispatcher := notify.NewDispatcher(cfg.QueueDepth, subs, sender, hub, logger)

	machine := orchestrate.NewMachine(
		reg,
		stageClients(cfg, store, logger),
		stage.RetryPolicy{
			MaxAttempts: cfg.StageRetries,
			BaseDelay:   cfg.StageBaseDelay,
			MaxDelay:    cfg.StageMaxDelay,
		},
		cfg.StageTimeout,
		dispatcher,
		logger,
	)
	orch := orchestrate.NewOrchestrator(
		orchestrate.Options{
			PoolSize:      cfg.WorkerPoolSize,
			QueueDepth:    cfg.QueueDepth,
			RecoveryGrace: cfg.RecoveryGrace,
		},
		controller, credits, reg, machine, dispatcher, logger,
	)

	go dispatcher.Run(ctx)

	logger.Info().Int("pool_size", cfg.WorkerPoolSize).Msg("worker: started")
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func newAssetStore(ctx context.Context, cfg *infra.Config) (storage.Store, error) {
	if cfg.S3Enabled() {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretKey,
		})
	}
	path := cfg.StoragePath
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return storage.NewFileStore(path)
}

func stageClients(cfg *infra.Config, store storage.Store, logger zerolog.Logger) []stage.Client {
	httpClient := &http.Client{Timeout: 60 * time.Second}
	return []stage.Client{
		stage.NewVisionClient(stage.VisionOptions{
			APIKey:     cfg.VisionAPIKey,
			BaseURL:    cfg.VisionBaseURL,
			Model:      cfg.VisionModel,
			HTTPClient: httpClient,
			Logger:     logger,
		}),
		stage.NewStoryClient(stage.StoryOptions{
			APIKey:     cfg.StoryAPIKey,
			BaseURL:    cfg.StoryBaseURL,
			Model:      cfg.StoryModel,
			HTTPClient: httpClient,
			Logger:     logger,
		}),
		stage.NewSpeechClient(stage.SpeechOptions{
			APIKey:     cfg.SpeechAPIKey,
			BaseURL:    cfg.SpeechBaseURL,
			HTTPClient: httpClient,
			Store:      store,
			Logger:     logger,
		}),
		stage.NewMusicClient(stage.MusicOptions{
			BaseURL:    cfg.MusicBaseURL,
			HTTPClient: httpClient,
			Store:      store,
			Logger:     logger,
		}),
	}
}
