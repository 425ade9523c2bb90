package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents application configuration loaded from environment
// variables. Retry, backoff and recovery knobs are deliberately config fields
// rather than constants so tests and deployments can override them.
type Config struct {
	AppEnv      string `env:"APP_ENV, default=development"`
	Port        string `env:"PORT, default=8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	JWTSecret   string `env:"JWT_SECRET"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT, default=15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT, default=30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT, default=60s"`
	CORSOrigins      []string      `env:"CORS_ORIGINS, delimiter=;"`

	// Pipeline
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE, default=4"`
	QueueDepth     int           `env:"QUEUE_DEPTH, default=256"`
	RecoveryGrace  time.Duration `env:"RECOVERY_GRACE, default=10m"`

	// Stage clients
	VisionBaseURL  string        `env:"VISION_BASE_URL, default=https://generativelanguage.googleapis.com/v1beta"`
	VisionAPIKey   string        `env:"VISION_API_KEY"`
	VisionModel    string        `env:"VISION_MODEL, default=gemini-1.5-flash"`
	StoryBaseURL   string        `env:"STORY_BASE_URL, default=https://generativelanguage.googleapis.com/v1beta"`
	StoryAPIKey    string        `env:"STORY_API_KEY"`
	StoryModel     string        `env:"STORY_MODEL, default=gemini-1.5-flash"`
	SpeechBaseURL  string        `env:"SPEECH_BASE_URL, default=https://api.elevenlabs.io/v1"`
	SpeechAPIKey   string        `env:"SPEECH_API_KEY"`
	MusicBaseURL   string        `env:"MUSIC_BASE_URL"`
	StageTimeout   time.Duration `env:"STAGE_TIMEOUT, default=120s"`
	StageRetries   int           `env:"STAGE_RETRIES, default=3"`
	StageBaseDelay time.Duration `env:"STAGE_BASE_DELAY, default=2s"`
	StageMaxDelay  time.Duration `env:"STAGE_MAX_DELAY, default=30s"`

	// Webhook delivery
	WebhookRetries   int           `env:"WEBHOOK_RETRIES, default=5"`
	WebhookBaseDelay time.Duration `env:"WEBHOOK_BASE_DELAY, default=1s"`
	WebhookMaxDelay  time.Duration `env:"WEBHOOK_MAX_DELAY, default=60s"`
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT, default=10s"`

	// Asset storage
	StoragePath     string `env:"STORAGE_PATH, default=./storage"`
	S3Bucket        string `env:"S3_BUCKET"`
	S3Region        string `env:"S3_REGION"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	AWSAccessKeyID  string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`

	RateLimitPerMin int `env:"RATE_LIMIT_PER_MINUTE, default=120"`
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	return cfg, nil
}

// S3Enabled reports whether S3 asset storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}
