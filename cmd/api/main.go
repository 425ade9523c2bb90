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
	"storytime/internal/http/handlers"
	"storytime/internal/http/httpapi"
	"storytime/internal/infra"
	"storytime/internal/ledger"
	"storytime/internal/notify"
	"storytime/internal/orchestrate"
	"storytime/internal/registry"
	"storytime/internal/stage"
	"storytime/internal/storage"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig(ctx)
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	var (
		reg     registry.Registry
		credits ledger.Ledger
		subs    notify.SubscriptionStore
	)
	if cfg.DatabaseURL != "" {
		if err := registry.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("api: migrations failed")
		}
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: db connection failed")
		}
		defer pool.Close()
		reg = registry.NewPostgres(pool)
		credits = ledger.NewPostgres(pool, logger)
		subs = notify.NewPostgresSubscriptions(pool)
	} else {
		logger.Warn().Msg("api: DATABASE_URL not set, state is in-memory and lost on restart")
		reg = registry.NewMemory()
		credits = ledger.NewMemory()
		subs = notify.NewMemorySubscriptions()
	}

	var counters admission.CounterStore
	if cfg.RedisAddr != "" {
		counters = admission.NewRedisCounters(cfg.RedisAddr)
	} else {
		counters = admission.NewMemoryCounters()
	}
	controller := admission.NewController(counters, credits, logger)

	store, err := newAssetStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
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
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("api: orchestrator stopped with error")
		}
	}()

	app := handlers.NewApp(orch, reg, credits, subs, hub, logger, cfg.JWTSecret)
	router := httpapi.NewRouter(app, logger, httpapi.Options{
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
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
