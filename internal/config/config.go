// Package config handles configuration loading for the download service.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP API settings (port, base path)
//   - storage: PostgreSQL rows, MongoDB/GridFS blobs, Redis token cache
//   - sat: remote service endpoints and polling behavior
//   - worker: background job claim loop
//   - observability: Prometheus metrics endpoint
//
// # Example Configuration
//
//	server:
//	  port: 8080
//
//	storage:
//	  postgres:
//	    dsn: ${DATABASE_URL}
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: fiscalia
//	  redis:
//	    address: localhost:6379
//
//	sat:
//	  demoMode: false
//	  pollIntervalSeconds: 2
//	  pollAttempts: 150
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	SAT           SATConfig           `yaml:"sat"`
	Worker        WorkerConfig        `yaml:"worker"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds the SQL connection settings
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// MongoDBConfig holds blob store settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	Bucket   string `yaml:"bucket"`
}

// RedisConfig holds token cache settings. An empty address selects the
// in-process cache.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SATConfig holds remote service settings. The endpoint URLs default to
// the authority's production hosts and exist mainly so tests and staging
// tenants can point elsewhere.
type SATConfig struct {
	AuthURL     string `yaml:"authUrl"`
	RequestURL  string `yaml:"requestUrl"`
	VerifyURL   string `yaml:"verifyUrl"`
	DownloadURL string `yaml:"downloadUrl"`

	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
	PollAttempts        int `yaml:"pollAttempts"`

	// DemoMode replaces network calls with deterministic sample archives.
	DemoMode bool `yaml:"demoMode"`
}

// PollInterval returns the configured interval as a duration.
func (c SATConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// WorkerConfig holds the claim loop settings
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
	// IdleDelaySeconds is the sleep after an empty queue poll.
	IdleDelaySeconds int `yaml:"idleDelaySeconds"`
	// ErrorDelaySeconds is the backoff after a storage error.
	ErrorDelaySeconds int `yaml:"errorDelaySeconds"`
}

// ObservabilityConfig holds metrics endpoint settings
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls the Prometheus scrape endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "fiscalia"
	}
	if c.Storage.MongoDB.Bucket == "" {
		c.Storage.MongoDB.Bucket = "blobs"
	}
	if c.SAT.PollIntervalSeconds == 0 {
		c.SAT.PollIntervalSeconds = 2
	}
	if c.SAT.PollAttempts == 0 {
		c.SAT.PollAttempts = 150
	}
	if c.Worker.IdleDelaySeconds == 0 {
		c.Worker.IdleDelaySeconds = 10
	}
	if c.Worker.ErrorDelaySeconds == 0 {
		c.Worker.ErrorDelaySeconds = 30
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	// Demo mode runs entirely in memory, so the stores are optional.
	if !c.SAT.DemoMode {
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'text', got '%s'", c.Logging.Format)
	}

	if c.SAT.PollAttempts < 1 {
		return fmt.Errorf("sat.pollAttempts must be positive")
	}
	return nil
}
