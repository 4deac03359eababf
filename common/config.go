package common

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Blob      BlobConfig
	Queue     QueueConfig
	Workers   WorkerConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Tracing   TracingConfig
	Log       LogConfig
}

// HTTPConfig holds server-related configuration
type HTTPConfig struct {
	Addr            string
	GRPCHealthAddr  string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// RedisConfig selects the Redis-backed run state store when Addr is set.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// BlobConfig holds object storage configuration
type BlobConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Secure        bool
	PresignExpiry time.Duration
}

// QueueConfig bounds lease requests and drives the reaper
type QueueConfig struct {
	MinVisibility     time.Duration
	MaxVisibility     time.Duration
	DefaultVisibility time.Duration
	MaxBatch          int
	ReaperInterval    time.Duration
}

// WorkerConfig controls the in-process worker pool
type WorkerConfig struct {
	Count        int
	BatchSize    int
	PollInterval time.Duration
	Visibility   time.Duration

	// MaxDocumentBytes caps the upload size a worker will download.
	MaxDocumentBytes int
}

// RateLimitConfig holds token bucket configuration
type RateLimitConfig struct {
	RoutesFile    string
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Disabled      bool
}

// AuthConfig holds the shared server credential
type AuthConfig struct {
	ServerToken string
}

// TracingConfig selects the span exporter
type TracingConfig struct {
	Exporter    string
	Endpoint    string
	ServiceName string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables. A .env file
// (or ENV_FILE) is read first when present and never overrides the real environment.
func LoadConfig() *Config {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil {
		slog.Debug("no env file loaded", "error", err)
	}

	return &Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			GRPCHealthAddr:  getEnv("GRPC_HEALTH_ADDR", ""),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "run_state:"),
		},
		Blob: BlobConfig{
			Endpoint:      getEnv("BLOB_ENDPOINT", ""),
			AccessKey:     getEnv("BLOB_ACCESS_KEY", ""),
			SecretKey:     getEnv("BLOB_SECRET_KEY", ""),
			Bucket:        getEnv("BLOB_BUCKET", "runqueue"),
			Secure:        getEnvAsBool("BLOB_SECURE", false),
			PresignExpiry: getEnvAsDuration("BLOB_PRESIGN_EXPIRY", 15*time.Minute),
		},
		Queue: QueueConfig{
			MinVisibility:     getEnvAsDuration("QUEUE_MIN_VISIBILITY", 10*time.Second),
			MaxVisibility:     getEnvAsDuration("QUEUE_MAX_VISIBILITY", time.Hour),
			DefaultVisibility: getEnvAsDuration("QUEUE_DEFAULT_VISIBILITY", 60*time.Second),
			MaxBatch:          getEnvAsInt("QUEUE_MAX_BATCH", 100),
			ReaperInterval:    getEnvAsDuration("QUEUE_REAPER_INTERVAL", 5*time.Minute),
		},
		Workers: WorkerConfig{
			Count:            getEnvAsInt("WORKER_COUNT", 0),
			BatchSize:        getEnvAsInt("WORKER_BATCH_SIZE", 1),
			PollInterval:     getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			Visibility:       getEnvAsDuration("WORKER_VISIBILITY", 60*time.Second),
			MaxDocumentBytes: getEnvAsInt("WORKER_MAX_DOCUMENT_BYTES", 25<<20),
		},
		RateLimit: RateLimitConfig{
			RoutesFile:    getEnv("RATE_LIMIT_ROUTES_FILE", ""),
			IdleTTL:       getEnvAsDuration("RATE_LIMIT_IDLE_TTL", time.Hour),
			SweepInterval: getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
			Disabled:      getEnvAsBool("RATE_LIMIT_DISABLED", false),
		},
		Auth: AuthConfig{
			ServerToken: getEnv("SERVER_AUTH_TOKEN", ""),
		},
		Tracing: TracingConfig{
			Exporter:    getEnv("OTEL_TRACES_EXPORTER", "none"),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "go-run-queue"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func configError(message string) error {
	return NewAppError(0, "CONFIG_ERROR", message, ErrInvalidInput)
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return configError("DB_DRIVER must be postgres or sqlite")
	}
	if c.Database.DSN == "" {
		return configError("DB_URL is required")
	}
	if c.Auth.ServerToken == "" {
		return configError("SERVER_AUTH_TOKEN is required")
	}
	if c.HTTP.Addr == "" {
		return configError("HTTP_ADDR is required")
	}
	q := c.Queue
	if q.MinVisibility <= 0 || q.MinVisibility > q.DefaultVisibility || q.DefaultVisibility > q.MaxVisibility {
		return configError("queue visibility must satisfy 0 < min <= default <= max")
	}
	if q.MaxBatch < 1 {
		return configError("QUEUE_MAX_BATCH must be at least 1")
	}
	if q.ReaperInterval <= 0 {
		return configError("QUEUE_REAPER_INTERVAL must be positive")
	}
	if c.Workers.Count < 0 || c.Workers.BatchSize < 1 || c.Workers.PollInterval <= 0 {
		return configError("worker settings are invalid")
	}
	if c.Workers.Visibility < q.MinVisibility || c.Workers.Visibility > q.MaxVisibility {
		return configError("WORKER_VISIBILITY must lie within the queue visibility bounds")
	}
	return nil
}

// NewLogger builds the process logger from LogConfig.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
