package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Pipeline  PipelineConfig
	Batch     BatchConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Trace     TraceConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr       string `validate:"required"`
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisDB       int    `validate:"gte=0"`
	Name          string `validate:"required"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int `validate:"gte=1"`
	MaxActiveJobs  int `validate:"gte=1"`
	LocalOutputDir string
	MetricsAddr    string
}

// PipelineConfig tunes the surface pool and the downscale planner.
type PipelineConfig struct {
	MaxSafeDimension int     `validate:"gte=1"`
	PoolSize         int     `validate:"gte=0"`
	MinStepRatio     float64 `validate:"gt=0,lt=1"`
	MaxSteps         int     `validate:"gte=1"`
	Preference       string  `validate:"oneof=speed balanced quality"`
}

type BatchConfig struct {
	Concurrency int `validate:"gte=1"`
	JobTimeout  time.Duration
	MaxJobs     int `validate:"gte=1"`
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MaxObjectBytes caps source downloads.
	MaxObjectBytes int64 `validate:"gte=0"`
}

type DatabaseConfig struct {
	DSN string
}

type RateLimitConfig struct {
	Enabled       bool
	Capacity      int `validate:"gte=1"`
	Window        time.Duration
	UserIDHeader  string
	KeyPrefix     string
	PixelsPerCost int64 `validate:"gte=1"`
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int `validate:"gte=1"`
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TraceConfig struct {
	Exporter     string `validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64 `validate:"gte=0,lte=1"`
	Environment  string
}

type LogConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	Format     string `validate:"oneof=json console"`
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from the environment and, when PIXELFIT_CONFIG names
// a file, from that file. Environment variables take precedence.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("PIXELFIT_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		API: APIConfig{
			Addr:       v.GetString("PIXELFIT_API_ADDR"),
			PresignTTL: v.GetDuration("PIXELFIT_PRESIGN_TTL"),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
		},
		Worker: WorkerConfig{
			Concurrency:    v.GetInt("WORKER_CONCURRENCY"),
			MaxActiveJobs:  v.GetInt("WORKER_MAX_ACTIVE_JOBS"),
			LocalOutputDir: v.GetString("WORKER_LOCAL_OUTPUT_DIR"),
			MetricsAddr:    v.GetString("WORKER_METRICS_ADDR"),
		},
		Pipeline: PipelineConfig{
			MaxSafeDimension: v.GetInt("PIPELINE_MAX_SAFE_DIMENSION"),
			PoolSize:         v.GetInt("PIPELINE_POOL_SIZE"),
			MinStepRatio:     v.GetFloat64("PIPELINE_MIN_STEP_RATIO"),
			MaxSteps:         v.GetInt("PIPELINE_MAX_STEPS"),
			Preference:       strings.ToLower(v.GetString("PIPELINE_PREFERENCE")),
		},
		Batch: BatchConfig{
			Concurrency: v.GetInt("BATCH_CONCURRENCY"),
			JobTimeout:  v.GetDuration("BATCH_JOB_TIMEOUT"),
			MaxJobs:     v.GetInt("BATCH_MAX_JOBS"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),

			MaxObjectBytes: v.GetInt64("MINIO_MAX_OBJECT_BYTES"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("POSTGRES_DSN"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			Capacity:      v.GetInt("RATE_LIMIT_CAPACITY"),
			Window:        v.GetDuration("RATE_LIMIT_WINDOW"),
			UserIDHeader:  v.GetString("RATE_LIMIT_USER_ID_HEADER"),
			KeyPrefix:     v.GetString("RATE_LIMIT_KEY_PREFIX"),
			PixelsPerCost: v.GetInt64("RATE_LIMIT_PIXELS_PER_COST"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:        v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:    v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("WEBHOOK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("WEBHOOK_MAX_BACKOFF"),
		},
		Trace: TraceConfig{
			Exporter:     strings.ToLower(v.GetString("OTEL_TRACES_EXPORTER")),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRatio:  v.GetFloat64("OTEL_TRACES_SAMPLE_RATIO"),
			Environment:  v.GetString("DEPLOY_ENVIRONMENT"),
		},
		Log: LogConfig{
			Level:      strings.ToLower(v.GetString("LOG_LEVEL")),
			Format:     strings.ToLower(v.GetString("LOG_FORMAT")),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	defaults := map[string]any{
		"PIXELFIT_API_ADDR":    ":8080",
		"PIXELFIT_PRESIGN_TTL": 15 * time.Minute,

		"REDIS_ADDR":     "localhost:6379",
		"REDIS_PASSWORD": "",
		"REDIS_DB":       0,
		"ASYNC_QUEUE":    "default",

		"WORKER_CONCURRENCY":      max(2, runtime.NumCPU()),
		"WORKER_MAX_ACTIVE_JOBS":  defaultWorkerSlots,
		"WORKER_LOCAL_OUTPUT_DIR": "./.pixelfit-output",
		"WORKER_METRICS_ADDR":     ":9091",

		"PIPELINE_MAX_SAFE_DIMENSION": 16384,
		"PIPELINE_POOL_SIZE":          10,
		"PIPELINE_MIN_STEP_RATIO":     0.5,
		"PIPELINE_MAX_STEPS":          10,
		"PIPELINE_PREFERENCE":         "balanced",

		"BATCH_CONCURRENCY": defaultWorkerSlots,
		"BATCH_JOB_TIMEOUT": 2 * time.Minute,
		"BATCH_MAX_JOBS":    100,

		"MINIO_ENDPOINT":   "localhost:9000",
		"MINIO_ACCESS_KEY": "minioadmin",
		"MINIO_SECRET_KEY": "minioadmin",
		"MINIO_BUCKET":     "pixelfit-jobs",
		"MINIO_USE_SSL":    false,

		"MINIO_MAX_OBJECT_BYTES": 64 << 20,

		"POSTGRES_DSN": "",

		"RATE_LIMIT_ENABLED":         false,
		"RATE_LIMIT_CAPACITY":        60,
		"RATE_LIMIT_WINDOW":          time.Minute,
		"RATE_LIMIT_USER_ID_HEADER":  "X-User-ID",
		"RATE_LIMIT_KEY_PREFIX":      "pixelfit:ratelimit",
		"RATE_LIMIT_PIXELS_PER_COST": 4_000_000,

		"WEBHOOK_SIGNING_SECRET":  "",
		"WEBHOOK_TIMEOUT":         10 * time.Second,
		"WEBHOOK_MAX_ATTEMPTS":    3,
		"WEBHOOK_INITIAL_BACKOFF": time.Second,
		"WEBHOOK_MAX_BACKOFF":     10 * time.Second,

		"OTEL_TRACES_EXPORTER":        "none",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "",
		"OTEL_EXPORTER_OTLP_INSECURE": false,
		"OTEL_TRACES_SAMPLE_RATIO":    1.0,
		"DEPLOY_ENVIRONMENT":          "",

		"LOG_LEVEL":        "info",
		"LOG_FORMAT":       "json",
		"LOG_FILE":         "",
		"LOG_MAX_SIZE_MB":  100,
		"LOG_MAX_BACKUPS":  5,
		"LOG_MAX_AGE_DAYS": 28,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
