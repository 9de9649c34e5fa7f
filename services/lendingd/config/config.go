package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen  = ":8480"
	defaultDataDir = "./data/lendingd"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string `yaml:"listen"`
	DataDir       string `yaml:"data_dir"`
	// FeedsPath is the SQLite file holding price feed rounds. Defaults to
	// feeds.db inside DataDir.
	FeedsPath string `yaml:"feeds_path"`
	// PolicyFile is the TOML bootstrap applied when the ledger has never been
	// initialised.
	PolicyFile string `yaml:"policy_file"`
	// Custody is the account that holds collateral and in-flight payments.
	Custody     string          `yaml:"custody"`
	Archive     ArchiveConfig   `yaml:"archive"`
	TLS         TLSConfig       `yaml:"tls"`
	Auth        AuthConfig      `yaml:"auth"`
	RateLimits  []RateLimit     `yaml:"rate_limits"`
	CORSOrigins []string        `yaml:"cors_origins"`
	Log         LogConfig       `yaml:"log"`
	Faucet      FaucetConfig    `yaml:"faucet"`
	Shutdown    time.Duration   `yaml:"shutdown_timeout"`
	Timeouts    TimeoutsConfig  `yaml:"timeouts"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// ArchiveConfig selects the SQL database for archived events and idempotency
// records.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HMACSecret string `yaml:"hmac_secret"`
	// HMACSecretEnv names an environment variable holding the secret.
	HMACSecretEnv string `yaml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// RateLimit bounds requests per caller for a route group.
type RateLimit struct {
	Key               string  `yaml:"key"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// FaucetConfig enables the devnet mint endpoint.
type FaucetConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TimeoutsConfig bounds HTTP server reads and writes.
type TimeoutsConfig struct {
	ReadHeader time.Duration `yaml:"read_header"`
	Read       time.Duration `yaml:"read"`
	Write      time.Duration `yaml:"write"`
	Idle       time.Duration `yaml:"idle"`
}

// TelemetryConfig toggles OTLP export; the endpoint comes from the
// environment.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Traces  bool `yaml:"traces"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
		DataDir:       defaultDataDir,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CustodyAddress returns the parsed custody account.
func (cfg Config) CustodyAddress() common.Address {
	return common.HexToAddress(cfg.Custody)
}

// LevelDBPath is the directory holding ledger state.
func (cfg Config) LevelDBPath() string {
	return filepath.Join(cfg.DataDir, "state")
}

// Secret resolves the HMAC secret, preferring the environment variable.
func (cfg AuthConfig) Secret() string {
	if cfg.HMACSecretEnv != "" {
		if value := strings.TrimSpace(os.Getenv(cfg.HMACSecretEnv)); value != "" {
			return value
		}
	}
	return cfg.HMACSecret
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.FeedsPath = strings.TrimSpace(cfg.FeedsPath)
	if cfg.FeedsPath == "" {
		cfg.FeedsPath = filepath.Join(cfg.DataDir, "feeds.db")
	}
	cfg.PolicyFile = strings.TrimSpace(cfg.PolicyFile)
	cfg.Custody = strings.TrimSpace(cfg.Custody)
	cfg.Archive.Driver = strings.ToLower(strings.TrimSpace(cfg.Archive.Driver))
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = "sqlite"
	}
	cfg.Archive.DSN = strings.TrimSpace(cfg.Archive.DSN)
	if cfg.Archive.DSN == "" && cfg.Archive.Driver == "sqlite" {
		cfg.Archive.DSN = filepath.Join(cfg.DataDir, "archive.db")
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.HMACSecretEnv = strings.TrimSpace(cfg.Auth.HMACSecretEnv)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	origins := make([]string, 0, len(cfg.CORSOrigins))
	for _, origin := range cfg.CORSOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.CORSOrigins = origins
	for i := range cfg.RateLimits {
		cfg.RateLimits[i].Key = strings.TrimSpace(cfg.RateLimits[i].Key)
	}
	cfg.Log.Level = strings.TrimSpace(cfg.Log.Level)
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
	if cfg.Shutdown <= 0 {
		cfg.Shutdown = 5 * time.Second
	}
	if cfg.Timeouts.ReadHeader <= 0 {
		cfg.Timeouts.ReadHeader = 5 * time.Second
	}
	if cfg.Timeouts.Read <= 0 {
		cfg.Timeouts.Read = 15 * time.Second
	}
	if cfg.Timeouts.Write <= 0 {
		cfg.Timeouts.Write = 15 * time.Second
	}
	if cfg.Timeouts.Idle <= 0 {
		cfg.Timeouts.Idle = 60 * time.Second
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if !common.IsHexAddress(cfg.Custody) || common.HexToAddress(cfg.Custody) == (common.Address{}) {
		return fmt.Errorf("custody must be a non-zero hex address")
	}
	switch cfg.Archive.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("archive: unsupported driver %q", cfg.Archive.Driver)
	}
	if cfg.Archive.DSN == "" {
		return fmt.Errorf("archive: dsn required for %s", cfg.Archive.Driver)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		if limit.Key == "" {
			return fmt.Errorf("rate_limits: key required")
		}
		if _, dup := seen[limit.Key]; dup {
			return fmt.Errorf("rate_limits: duplicate key %q", limit.Key)
		}
		seen[limit.Key] = struct{}{}
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits: %s must not be negative", limit.Key)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the listener serves TLS.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg AuthConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Secret() == "" {
		return fmt.Errorf("hmac_secret or hmac_secret_env must be set when auth is enabled")
	}
	return nil
}
