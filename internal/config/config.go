// Package config provides configuration loading for the OCR service.
// Supports YAML files and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spherical/doc-ocr/internal/domain"
)

// Config holds all configuration for the OCR service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Output        OutputConfig        `yaml:"output"`
	Cache         CacheConfig         `yaml:"cache"`
	Database      DatabaseConfig      `yaml:"database"`
	Queue         QueueConfig         `yaml:"queue"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

// EngineConfig selects and configures the generation engine.
type EngineConfig struct {
	Driver    string        `yaml:"driver"` // openai or tesseract
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	Languages []string      `yaml:"languages"` // tesseract only
}

// PipelineConfig holds the document pipeline settings.
type PipelineConfig struct {
	DPI           float64 `yaml:"dpi"`
	MaxPixels     int     `yaml:"max_pixels"`
	Workers       int     `yaml:"workers"`
	SkipRepeat    bool    `yaml:"skip_repeat"`
	EndMarker     string  `yaml:"end_marker"`
	FailurePolicy string  `yaml:"failure_policy"` // truncate or abort
	JPEGQuality   int     `yaml:"jpeg_quality"`
}

// OutputConfig holds artifact storage settings.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // none, memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig holds job ledger connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig holds asynchronous job queue settings.
type QueueConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RedisURL    string        `yaml:"redis_url"`
	Name        string        `yaml:"name"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetry    int           `yaml:"max_retry"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.ConfigError("read config file", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.ConfigError("parse config file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     0,
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   30 * time.Minute,
			GracefulShutdown: 15 * time.Second,
			MaxUploadBytes:   200 << 20,
			AllowedOrigins:   []string{"*"},
		},
		Engine: EngineConfig{
			Driver:    "openai",
			BaseURL:   "http://localhost:8001/v1",
			Model:     "deepseek-ai/DeepSeek-OCR-2",
			Timeout:   10 * time.Minute,
			Languages: []string{"eng"},
		},
		Pipeline: PipelineConfig{
			DPI:           144,
			MaxPixels:     40_000_000,
			Workers:       4,
			SkipRepeat:    true,
			EndMarker:     domain.DefaultEndMarker,
			FailurePolicy: "truncate",
			JPEGQuality:   95,
		},
		Output: OutputConfig{
			Dir: "./output",
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        time.Hour,
			MaxEntries: 256,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "./output/jobs.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Queue: QueueConfig{
			Enabled:     false,
			RedisURL:    "redis://localhost:6379/1",
			Name:        "ocr",
			Concurrency: 1,
			Timeout:     30 * time.Minute,
			MaxRetry:    2,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "doc-ocr",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return domain.ConfigError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}

	if c.Engine.Driver != "openai" && c.Engine.Driver != "tesseract" {
		return domain.ConfigError(fmt.Sprintf("invalid engine driver: %s", c.Engine.Driver), nil)
	}

	if c.Engine.Driver == "openai" && c.Engine.BaseURL == "" {
		return domain.ConfigError("engine base_url is required for the openai driver", nil)
	}

	if c.Pipeline.DPI < 36 || c.Pipeline.DPI > 600 {
		return domain.ConfigError(fmt.Sprintf("dpi must be between 36 and 600, got %v", c.Pipeline.DPI), nil)
	}

	if c.Pipeline.MaxPixels < 1 {
		return domain.ConfigError("max_pixels must be positive", nil)
	}

	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
		return domain.ConfigError(fmt.Sprintf("workers must be between 1 and 64, got %d", c.Pipeline.Workers), nil)
	}

	if c.Pipeline.FailurePolicy != "truncate" && c.Pipeline.FailurePolicy != "abort" {
		return domain.ConfigError(fmt.Sprintf("invalid failure policy: %s", c.Pipeline.FailurePolicy), nil)
	}

	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		return domain.ConfigError(fmt.Sprintf("jpeg_quality must be between 1 and 100, got %d", c.Pipeline.JPEGQuality), nil)
	}

	if c.Output.Dir == "" {
		return domain.ConfigError("output dir is required", nil)
	}

	switch c.Cache.Driver {
	case "none", "memory", "redis":
	default:
		return domain.ConfigError(fmt.Sprintf("invalid cache driver: %s", c.Cache.Driver), nil)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return domain.ConfigError(fmt.Sprintf("invalid database driver: %s", c.Database.Driver), nil)
	}

	if c.Queue.Enabled && c.Queue.RedisURL == "" {
		return domain.ConfigError("queue redis_url is required when the queue is enabled", nil)
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("ENGINE_DRIVER"); v != "" {
		cfg.Engine.Driver = v
	}

	if v := os.Getenv("ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}

	if v := os.Getenv("ENGINE_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	}

	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.Engine.Model = v
	}

	if v := os.Getenv("NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}

	if v := os.Getenv("SKIP_REPEAT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.SkipRepeat = b
		}
	}

	if v := os.Getenv("OUTPUT_PATH"); v != "" {
		cfg.Output.Dir = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("QUEUE_REDIS_URL"); v != "" {
		cfg.Queue.Enabled = true
		cfg.Queue.RedisURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
