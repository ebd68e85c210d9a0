package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g.
// ACTIVITY_DATABASE_URL sets database.url
const EnvPrefix = "ACTIVITY_"

// DefaultFile is read when present
const DefaultFile = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Security    SecurityConfig    `koanf:"security"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Port             int           `koanf:"port"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	ValidateRequests bool          `koanf:"validate_requests"`
}

// DatabaseConfig selects the store backend. Driver "memory" keeps all
// state in process and ignores the rest of the section.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	MaxConns        int           `koanf:"max_conns"`
	MinConns        int           `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig enables the metrics cache when URL is set
type RedisConfig struct {
	URL      string        `koanf:"url"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
}

type IngestionConfig struct {
	QueueSize        int           `koanf:"queue_size"`
	Workers          int           `koanf:"workers"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	DeadLetterSize   int           `koanf:"dead_letter_size"`
	FailureThreshold int           `koanf:"failure_threshold"`
	DrainTimeout     time.Duration `koanf:"drain_timeout"`
}

type AggregationConfig struct {
	Interval          time.Duration `koanf:"interval"`
	Lookback          time.Duration `koanf:"lookback"`
	ReferenceTimezone string        `koanf:"reference_timezone"`
	TopN              int           `koanf:"top_n"`
	SecurityAlerts    int           `koanf:"security_alerts"`
	SecurityWindow    time.Duration `koanf:"security_window"`
}

type SecurityConfig struct {
	JWTSecret        string        `koanf:"jwt_secret"`
	Issuer           string        `koanf:"issuer"`
	TokenExpiry      time.Duration `koanf:"token_expiry"`
	ExportRateLimit  int           `koanf:"export_rate_limit"`
	ExportBurst      int           `koanf:"export_burst"`
	MaxStreamClients int           `koanf:"max_stream_clients"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			TTL: time.Minute,
		},
		Ingestion: IngestionConfig{
			QueueSize:        1024,
			Workers:          4,
			WriteTimeout:     5 * time.Second,
			DeadLetterSize:   10000,
			FailureThreshold: 5,
			DrainTimeout:     20 * time.Second,
		},
		Aggregation: AggregationConfig{
			Interval:          5 * time.Minute,
			Lookback:          2 * time.Hour,
			ReferenceTimezone: "UTC",
			TopN:              5,
			SecurityAlerts:    10,
			SecurityWindow:    7 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			Issuer:           "workspace-activity",
			TokenExpiry:      24 * time.Hour,
			ExportRateLimit:  10,
			ExportBurst:      3,
			MaxStreamClients: 1000,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "workspace-activity",
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// Load layers defaults, the optional YAML file at path and the environment.
// An empty path reads DefaultFile when it exists.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	required := path != ""
	if path == "" {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps ACTIVITY_SECTION_SOME_KEY to section.some_key
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	switch section {
	case "server", "database", "redis", "ingestion", "aggregation", "security", "telemetry":
		return section + "." + rest
	}
	return s
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Aggregation.Interval <= 0 {
		return errors.New("aggregation.interval must be positive")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return errors.New("telemetry.sampling_rate must be within [0, 1]")
	}
	return nil
}

// Location resolves the reference timezone of buckets and calendar groups
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Aggregation.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregation.reference_timezone %q: %w", c.Aggregation.ReferenceTimezone, err)
	}
	return loc, nil
}
