// Package config loads process settings from config.yaml and RELAY_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; "__" separates levels,
// so RELAY_SERVER__ADDR sets server.addr.
const EnvPrefix = "RELAY_"

// DefaultFile is read when no explicit path is given. It may be absent.
const DefaultFile = "config.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Routing    DocumentConfig   `koanf:"routing"`
	Accounts   DocumentConfig   `koanf:"accounts"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Reload     ReloadConfig     `koanf:"reload"`
	Storage    StorageConfig    `koanf:"storage"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Logging    LoggingConfig    `koanf:"logging"`
	Accounting AccountingConfig `koanf:"accounting"`
}

type ServerConfig struct {
	Addr         string `koanf:"addr"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`
}

// DocumentConfig points at one of the two JSON documents.
type DocumentConfig struct {
	Path string `koanf:"path"`
}

type UpstreamConfig struct {
	Timeout             time.Duration `koanf:"timeout"`
	UserAgent           string        `koanf:"user_agent"`
	NoAuthBaseURLs      []string      `koanf:"no_auth_base_urls"` // base URL prefixes that get no Authorization header
	DenyPrivateNetworks bool          `koanf:"deny_private_networks"`
}

type ReloadConfig struct {
	RetryDelay time.Duration `koanf:"retry_delay"`
	Debounce   time.Duration `koanf:"debounce"`
}

type StorageConfig struct {
	Type          string        `koanf:"type"` // none, sqlite, postgres
	DSN           string        `koanf:"dsn"`
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type AccountingConfig struct {
	InputTokenizer string `koanf:"input_tokenizer"` // estimate, tiktoken
}

var defaults = map[string]any{
	"server.addr":                    ":8080",
	"server.max_body_bytes":          int64(32 << 20),
	"routing.path":                   "routing.json",
	"accounts.path":                  "accounts.json",
	"upstream.timeout":               "120s",
	"upstream.user_agent":            "llm-relay/1.0",
	"upstream.no_auth_base_urls":     []string{},
	"upstream.deny_private_networks": false,
	"reload.retry_delay":             "1s",
	"reload.debounce":                "200ms",
	"storage.type":                   "none",
	"storage.dsn":                    "",
	"storage.batch_size":             100,
	"storage.flush_interval":         "5s",
	"telemetry.enabled":              false,
	"telemetry.service_name":         "llm-relay",
	"logging.level":                  "info",
	"logging.file":                   "",
	"logging.max_size_mb":            100,
	"logging.max_backups":            5,
	"logging.max_age_days":           30,
	"accounting.input_tokenizer":     "estimate",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultFile when empty), applies RELAY_ overrides and
// fills defaults. An explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	required := path != ""
	if path == "" {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK unless it was asked for
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
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
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Routing.Path = substituteEnvVars(cfg.Routing.Path)
	cfg.Accounts.Path = substituteEnvVars(cfg.Accounts.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Routing.Path == "" {
		errs = append(errs, errors.New("routing.path is required"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Reload.RetryDelay <= 0 {
		errs = append(errs, errors.New("reload.retry_delay must be positive"))
	}
	switch c.Storage.Type {
	case "none", "":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for storage.type %q", c.Storage.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	switch c.Accounting.InputTokenizer {
	case "estimate", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("unknown accounting.input_tokenizer %q", c.Accounting.InputTokenizer))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LedgerEnabled reports whether a usage ledger database is configured.
func (c *Config) LedgerEnabled() bool {
	return c.Storage.Type == "sqlite" || c.Storage.Type == "postgres"
}

// ParseLevel maps logging.level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logging.level %q", s)
	}
	return level, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
