// Package config loads darkroom configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is read when Load is called without an explicit path.
const DefaultPath = "darkroom.yaml"

// EnvPrefix prefixes every environment override; "__" separates levels.
const EnvPrefix = "DARKROOM_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Uploads   UploadsConfig   `koanf:"uploads"`
	Export    ExportConfig    `koanf:"export"`
	Filters   FiltersConfig   `koanf:"filters"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Client    ClientConfig    `koanf:"client"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`
}

type StorageConfig struct {
	Type    string       `koanf:"type"` // sqlite, memory
	SQLite  SQLiteConfig `koanf:"sqlite"`
	BlobDir string       `koanf:"blob_dir"` // empty keeps image bytes in memory
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type UploadsConfig struct {
	AllowedExtensions []string `koanf:"allowed_extensions"`
}

type ExportConfig struct {
	Dir         string `koanf:"dir"`
	Concurrency int    `koanf:"concurrency"`
}

// FiltersConfig configures the optional external filter service used for kinds the
// built-in processor does not implement.
type FiltersConfig struct {
	WebhookURL     string            `koanf:"webhook_url"`
	WebhookTimeout string            `koanf:"webhook_timeout"` // Duration string like "30s"
	WebhookRetries int               `koanf:"webhook_retries"`
	WebhookHeaders map[string]string `koanf:"webhook_headers"` // values may reference ${ENV_VARS}
	WebhookFilters []string          `koanf:"webhook_filters"` // display names; empty routes every kind
	// WebhookAllowPrivate permits loopback and private addresses, for a filter service
	// on the same host or network.
	WebhookAllowPrivate bool `koanf:"webhook_allow_private"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type ClientConfig struct {
	BaseURL         string        `koanf:"base_url"`
	Timeout         time.Duration `koanf:"timeout"`
	NotificationTTL time.Duration `koanf:"notification_ttl"`
	LogFile         string        `koanf:"log_file"`
}

var defaults = map[string]any{
	"server.port":                8000,
	"server.read_timeout":        "15s",
	"server.write_timeout":       "60s",
	"server.request_timeout":     "30s",
	"server.max_upload_bytes":    64 << 20,
	"storage.type":               "sqlite",
	"storage.sqlite.path":        "./data/darkroom.db",
	"storage.blob_dir":           "uploads",
	"uploads.allowed_extensions": []string{"png", "jpg", "jpeg", "bmp"},
	"export.dir":                 "output",
	"export.concurrency":         4,
	"filters.webhook_timeout":    "30s",
	"telemetry.enabled":          false,
	"telemetry.service_name":     "darkroom",
	"metrics.enabled":            true,
	"metrics.path":               "/metrics",
	"client.base_url":            "http://localhost:8000",
	"client.timeout":             "30s",
	"client.notification_ttl":    "10s",
	"client.log_file":            "darkroom.log",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty; a missing file is not an error), applies
// DARKROOM_ environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for name, value := range cfg.Filters.WebhookHeaders {
		cfg.Filters.WebhookHeaders[name] = substituteEnvVars(value)
	}
	for i, ext := range cfg.Uploads.AllowedExtensions {
		cfg.Uploads.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite storage")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.type %q must be sqlite or memory", c.Storage.Type)
	}
	if len(c.Uploads.AllowedExtensions) == 0 {
		return fmt.Errorf("uploads.allowed_extensions must not be empty")
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required")
	}
	if c.Export.Concurrency < 1 {
		return fmt.Errorf("export.concurrency must be at least 1")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
