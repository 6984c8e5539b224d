package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"imapgate/internal/blobstorage"
)

// DefaultConfigPaths are tried in order when no path is given.
var DefaultConfigPaths = []string{
	"/etc/imapgate/imapgate.yaml",
	"./config/imapgate.yaml",
	"./imapgate.yaml",
}

// Config holds the IMAP server configuration
type Config struct {
	Domain      string             `yaml:"domain"`
	Listen      ListenConfig       `yaml:"listen"`
	TLS         TLSConfig          `yaml:"tls"`
	Database    DatabaseConfig     `yaml:"database"`
	Auth        AuthConfig         `yaml:"auth"`
	BlobStorage blobstorage.Config `yaml:"blob_storage"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Limits      LimitsConfig       `yaml:"limits"`
}

type ListenConfig struct {
	IMAP  string `yaml:"imap"`  // cleartext, STARTTLS capable
	IMAPS string `yaml:"imaps"` // implicit TLS
	// HTTP serves the /notify new-mail callback and, when metrics are
	// enabled, /metrics. Empty disables it.
	HTTP string `yaml:"http"`
}

type TLSConfig struct {
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	RequireForAuth bool   `yaml:"require_for_auth"`
}

// Enabled reports whether certificate material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	JWTIssuer  string `yaml:"jwt_issuer"`
	BcryptCost int    `yaml:"bcrypt_cost"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // logfmt, json
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"` // exposed on listen.http
}

type LimitsConfig struct {
	FetchMaxMessages  int           `yaml:"fetch_max_messages"`
	SocketTimeout     time.Duration `yaml:"socket_timeout"`
	IdleHeartbeat     time.Duration `yaml:"idle_heartbeat"`
	IdleMaxAge        time.Duration `yaml:"idle_max_age"`
	CommandsPerSecond float64       `yaml:"commands_per_second"`
	CommandBurst      int           `yaml:"command_burst"`
	MaxLiteral        int64         `yaml:"max_literal"` // bytes
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Domain: "localhost",
		Listen: ListenConfig{
			IMAP:  "0.0.0.0:143",
			IMAPS: "0.0.0.0:993",
		},
		TLS: TLSConfig{
			RequireForAuth: true,
		},
		Database: DatabaseConfig{
			Path: "data/databases",
		},
		Auth: AuthConfig{
			BcryptCost: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "logfmt",
		},
		Limits: LimitsConfig{
			FetchMaxMessages:  50,
			SocketTimeout:     5 * time.Minute,
			IdleHeartbeat:     29 * time.Minute,
			IdleMaxAge:        25 * time.Minute,
			CommandsPerSecond: 50,
			CommandBurst:      100,
			MaxLiteral:        50 * 1024 * 1024,
		},
	}
}

// ErrNoConfigFile is returned by LoadConfig when none of the candidate
// paths exist. Callers fall back to DefaultConfig.
var ErrNoConfigFile = errors.New("no configuration file found")

// LoadConfig loads configuration from a YAML file. An empty path tries
// DefaultConfigPaths. Keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	paths := DefaultConfigPaths
	if path != "" {
		paths = []string{path}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(filepath.Clean(p))
		if err == nil {
			break
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoConfigFile
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Environment variables overlaid by LoadEnv.
const (
	EnvJWTSecret   = "IMAPGATE_JWT_SECRET"
	EnvS3AccessKey = "IMAPGATE_S3_ACCESS_KEY"
	EnvS3SecretKey = "IMAPGATE_S3_SECRET_KEY"
)

// LoadEnv reads an optional .env file and overlays secrets from the
// environment onto cfg. A missing file is not an error.
func LoadEnv(cfg *Config, path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		cfg.BlobStorage.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		cfg.BlobStorage.SecretKey = v
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	if c.Listen.IMAP == "" && c.Listen.IMAPS == "" {
		return fmt.Errorf("at least one of listen.imap or listen.imaps must be specified")
	}

	if c.Metrics.Enabled && c.Listen.HTTP == "" {
		return fmt.Errorf("metrics.enabled requires listen.http")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.BlobStorage.Enabled && c.BlobStorage.Bucket == "" {
		return fmt.Errorf("blob_storage bucket must be set when enabled")
	}

	if c.Limits.FetchMaxMessages <= 0 {
		return fmt.Errorf("fetch_max_messages must be positive")
	}

	if c.Limits.SocketTimeout <= 0 || c.Limits.IdleHeartbeat <= 0 || c.Limits.IdleMaxAge <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	if c.Limits.CommandsPerSecond <= 0 || c.Limits.CommandBurst <= 0 {
		return fmt.Errorf("command rate limits must be positive")
	}

	if c.Limits.MaxLiteral <= 0 {
		return fmt.Errorf("max_literal must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"logfmt": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
