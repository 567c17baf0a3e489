package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds application configuration
type Config struct {
	Store   StoreConfig
	Server  ServerConfig
	Logging LoggingConfig
	Relay   RelayConfig
	Redis   RedisConfig
	Tracing TracingConfig

	TemplatesFile string
}

type StoreConfig struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	ConnectWait time.Duration
}

type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	PingInterval    time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RelayConfig struct {
	QueueSize        int
	SubscriberBuffer int
}

type RedisConfig struct {
	URL           string
	ChannelPrefix string
}

// TracingConfig selects the span exporter: none, stdout or otlp.
type TracingConfig struct {
	Exporter    string
	ServiceName string
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	LoadDotEnv()
	return FromEnv()
}

// LoadDotEnv loads .env into the environment. A missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// FromEnv builds and validates the configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds the configuration without validating it, so callers can apply
// overrides first.
func Read() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			DatabaseURL: getEnv("DATABASE_URL", postgresURLFromEnv()),
			SQLitePath:  getEnv("SQLITE_PATH", "data/workflow.db"),
			ConnectWait: getEnvDuration("STORE_CONNECT_WAIT", 30*time.Second),
		},
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "3001"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			PingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "INFO"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Relay: RelayConfig{
			QueueSize:        getEnvInt("RELAY_QUEUE_SIZE", 256),
			SubscriberBuffer: getEnvInt("RELAY_SUBSCRIBER_BUFFER", 64),
		},
		Redis: RedisConfig{
			URL:           os.Getenv("REDIS_URL"),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "workflow-visualizer"),
		},
		Tracing: TracingConfig{
			Exporter:    strings.ToLower(getEnv("OTEL_TRACES_EXPORTER", "none")),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "workflow-visualizer"),
		},
		TemplatesFile: os.Getenv("TEMPLATES_FILE"),
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("config: postgres needs DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME)")
		}
	default:
		return errors.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		return errors.Errorf("config: unknown OTEL_TRACES_EXPORTER %q", c.Tracing.Exporter)
	}
	if c.Relay.QueueSize <= 0 || c.Relay.SubscriberBuffer <= 0 {
		return errors.New("config: relay sizes must be positive")
	}
	return nil
}

// DSN returns the data source for the selected driver.
func (c StoreConfig) DSN() string {
	if c.Driver == DriverPostgres {
		return c.DatabaseURL
	}
	return c.SQLitePath
}

func postgresURLFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
