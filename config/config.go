package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
// It is built once in main and handed to constructors.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Reconcile ReconcileConfig
	Cache     CacheConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	MaxUploadMB        int
	Dedup              bool
}

// MaxUploadBytes returns the upload limit in bytes.
func (c ServerConfig) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/scenes?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the scene bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ScenesBucket         string
	Endpoint             string // optional S3-compatible endpoint (MinIO, LocalStack)
	RetryMaxAttempts     int
	// PresignExpireMinutes bounds artifact download links.
	PresignExpireMinutes int
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency int
	MaxAttempts int
	Heartbeat   time.Duration
	// Embedded runs the worker pool and sweeper inside the API process.
	Embedded bool
	// MetricsAddr is where the standalone worker serves /metrics.
	MetricsAddr string
}

// ReconcileConfig holds reconciliation sweep settings.
type ReconcileConfig struct {
	Enabled      bool
	Interval     time.Duration
	GracePeriod  time.Duration
	SafetyMargin time.Duration
	BatchSize    int
}

// CacheConfig sizes the terminal status cache. Size 0 disables it.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 60),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			MaxUploadMB:        getEnvInt("MAX_UPLOAD_MB", 512),
			Dedup:              getEnvBool("UPLOAD_DEDUP", true),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "scenes"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ScenesBucket:         getEnv("AWS_S3_SCENES_BUCKET", "scenes-bucket"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			RetryMaxAttempts:     getEnvInt("AWS_RETRY_MAX_ATTEMPTS", 5),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Queue: QueueConfig{
			Name:              getEnv("QUEUE_NAME", "worker:scenes"),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			MaxAttempts: getEnvInt("WORKER_MAX_ATTEMPTS", 3),
			Heartbeat:   getEnvDuration("WORKER_HEARTBEAT", time.Minute),
			Embedded:    getEnvBool("WORKER_EMBEDDED", false),
			MetricsAddr: getEnv("WORKER_METRICS_ADDR", ":9090"),
		},
		Reconcile: ReconcileConfig{
			Enabled:      getEnvBool("RECONCILE_ENABLED", true),
			Interval:     getEnvDuration("RECONCILE_INTERVAL", time.Minute),
			GracePeriod:  getEnvDuration("RECONCILE_GRACE_PERIOD", 2*time.Minute),
			SafetyMargin: getEnvDuration("RECONCILE_SAFETY_MARGIN", 30*time.Second),
			BatchSize:    getEnvInt("RECONCILE_BATCH_SIZE", 100),
		},
		Cache: CacheConfig{
			Size: getEnvInt("STATUS_CACHE_SIZE", 10000),
			TTL:  getEnvDuration("STATUS_CACHE_TTL", 10*time.Minute),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("QUEUE_VISIBILITY_TIMEOUT must be positive"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("WORKER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.Worker.Heartbeat <= 0 || c.Worker.Heartbeat >= c.Queue.VisibilityTimeout {
		errs = append(errs, errors.New("WORKER_HEARTBEAT must be positive and shorter than QUEUE_VISIBILITY_TIMEOUT"))
	}
	if c.Server.MaxUploadMB < 1 {
		errs = append(errs, errors.New("MAX_UPLOAD_MB must be at least 1"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if c.AWS.PresignExpireMinutes < 1 {
		errs = append(errs, errors.New("AWS_PRESIGN_EXPIRE_MINUTES must be at least 1"))
	}
	if c.AWS.ScenesBucket == "" {
		errs = append(errs, errors.New("AWS_S3_SCENES_BUCKET is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
