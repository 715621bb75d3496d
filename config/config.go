package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Queue    QueueConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
	CORSMaxAge         int    // seconds browsers may cache a preflight
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/pollcast?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// AWSConfig holds AWS credentials and the history archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	Endpoint             string
	PresignExpireMinutes int
}

// QueueConfig holds poll queue scheduler settings.
type QueueConfig struct {
	Store               string // postgres | memory
	MonitorEnabled      bool
	MonitorInterval     time.Duration
	MonitorLockTTL      time.Duration
	TxRetries           int
	DefaultPollDuration int // seconds
	DefaultBreak        int // seconds
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

// ArchiveEnabled reports whether history archives can be uploaded.
func (c AWSConfig) ArchiveEnabled() bool {
	return c.Region != "" && c.ArchiveBucket != ""
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			CORSMaxAge:         getEnvInt("CORS_MAX_AGE_SEC", 600),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "pollcast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
			MinConns: getEnvInt("DB_MIN_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Queue: QueueConfig{
			Store:               strings.ToLower(getEnv("QUEUE_STORE", StorePostgres)),
			MonitorEnabled:      getEnvBool("QUEUE_MONITOR_ENABLED", true),
			MonitorInterval:     getEnvDuration("QUEUE_MONITOR_INTERVAL", 10*time.Second),
			MonitorLockTTL:      getEnvDuration("QUEUE_MONITOR_LOCK_TTL", 0),
			TxRetries:           getEnvInt("QUEUE_TX_RETRIES", 3),
			DefaultPollDuration: getEnvInt("QUEUE_DEFAULT_POLL_DURATION", 60),
			DefaultBreak:        getEnvInt("QUEUE_DEFAULT_BREAK", 10),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("QUEUE_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Queue.Store)
	}
	if c.Queue.MonitorInterval <= 0 {
		return fmt.Errorf("QUEUE_MONITOR_INTERVAL must be positive")
	}
	if c.Queue.MonitorLockTTL <= 0 {
		c.Queue.MonitorLockTTL = c.Queue.MonitorInterval
	}
	if c.Queue.TxRetries < 1 {
		return fmt.Errorf("QUEUE_TX_RETRIES must be at least 1")
	}
	if c.Queue.DefaultPollDuration <= 0 {
		return fmt.Errorf("QUEUE_DEFAULT_POLL_DURATION must be positive")
	}
	if c.Queue.DefaultBreak < 0 {
		return fmt.Errorf("QUEUE_DEFAULT_BREAK must not be negative")
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

// getEnvDuration accepts Go durations ("15s") or plain seconds ("15").
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
