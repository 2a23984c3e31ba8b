package config

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"gopkg.in/yaml.v2"
)

type Config struct {
	API       APIConfig       `yaml:"api"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Fisheye   FisheyeConfig   `yaml:"fisheye"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type APIConfig struct {
	Addr       string        `yaml:"addr"`
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

type QueueConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Name          string `yaml:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `yaml:"concurrency"`
	MaxActiveJobs  int    `yaml:"max_active_jobs"`
	LocalOutputDir string `yaml:"local_output_dir"`
	TempDir        string `yaml:"temp_dir"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// FisheyeConfig holds the pipeline constants: the default distortion
// strength in [0,1) and the decode ceiling in pixels.
type FisheyeConfig struct {
	Strength  float64 `yaml:"strength"`
	MaxPixels int64   `yaml:"max_pixels"`
}

type StorageConfig struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Bucket         string `yaml:"bucket"`
	UseSSL         bool   `yaml:"use_ssl"`
	MaxObjectBytes int64  `yaml:"max_object_bytes"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type WebhookConfig struct {
	SigningSecret  string        `yaml:"signing_secret"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Capacity     int           `yaml:"capacity"`
	Window       time.Duration `yaml:"window"`
	UserIDHeader string        `yaml:"user_id_header"`
}

type TracingConfig struct {
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Load reads configuration from the environment. When FISHEYE_CONFIG names
// a YAML file, keys present in it override the environment.
func Load() (Config, error) {
	cfg := fromEnv()

	path := env("FISHEYE_CONFIG", "")
	if path == "" {
		return cfg, nil
	}
	if err := overlayFile(&cfg, path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	s := c.Fisheye.Strength
	if math.IsNaN(s) || s < 0 || s >= 1 {
		return fmt.Errorf("fisheye strength must be in [0,1), got %v", s)
	}
	if c.Fisheye.MaxPixels <= 0 {
		return fmt.Errorf("fisheye max_pixels must be positive, got %d", c.Fisheye.MaxPixels)
	}
	if c.Worker.MaxActiveJobs < 1 {
		return fmt.Errorf("worker max_active_jobs must be at least 1, got %d", c.Worker.MaxActiveJobs)
	}
	return nil
}

func fromEnv() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:       env("FISHEYE_API_ADDR", ":8080"),
			PresignTTL: envDuration("FISHEYE_PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", ""),
			TempDir:        env("WORKER_TEMP_DIR", os.TempDir()),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Fisheye: FisheyeConfig{
			Strength:  envFloat("FISHEYE_STRENGTH", 0.5),
			MaxPixels: envInt64("FISHEYE_MAX_PIXELS", 10_000*10_000),
		},
		Storage: StorageConfig{
			Endpoint:       env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:      env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:      env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:         env("MINIO_BUCKET", "fisheye-jobs"),
			UseSSL:         envBool("MINIO_USE_SSL", false),
			MaxObjectBytes: envInt64("MINIO_MAX_OBJECT_BYTES", 256<<20),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", false),
			Capacity:     envInt("RATE_LIMIT_CAPACITY", 30),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("RATE_LIMIT_USER_ID_HEADER", "X-User-ID"),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
