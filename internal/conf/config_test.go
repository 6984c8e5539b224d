package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Limits.FetchMaxMessages)
	assert.Equal(t, 5*time.Minute, cfg.Limits.SocketTimeout)
	assert.Equal(t, 29*time.Minute, cfg.Limits.IdleHeartbeat)
	assert.Equal(t, 25*time.Minute, cfg.Limits.IdleMaxAge)
	assert.True(t, cfg.TLS.RequireForAuth)
	assert.False(t, cfg.TLS.Enabled())
	assert.Empty(t, cfg.Listen.HTTP)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestValidate_HTTPWithoutMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen.HTTP = "127.0.0.1:8025"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Success(t *testing.T) {
	path := writeFile(t, "imapgate.yaml", `domain: test.example.com
listen:
  imap: 127.0.0.1:1143
  http: 127.0.0.1:8025
metrics:
  enabled: true
tls:
  cert_file: /certs/fullchain.pem
  key_file: /certs/privkey.pem
  require_for_auth: false
blob_storage:
  enabled: true
  bucket: mail
  use_path_style: true
logging:
  level: debug
  format: json
limits:
  socket_timeout: 90s
  fetch_max_messages: 10
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test.example.com", cfg.Domain)
	assert.Equal(t, "127.0.0.1:1143", cfg.Listen.IMAP)
	// untouched keys keep defaults
	assert.Equal(t, "0.0.0.0:993", cfg.Listen.IMAPS)
	assert.Equal(t, "127.0.0.1:8025", cfg.Listen.HTTP)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.TLS.Enabled())
	assert.False(t, cfg.TLS.RequireForAuth)
	assert.True(t, cfg.BlobStorage.Enabled)
	assert.True(t, cfg.BlobStorage.UsePathStyle)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 90*time.Second, cfg.Limits.SocketTimeout)
	assert.Equal(t, 10, cfg.Limits.FetchMaxMessages)
	assert.Equal(t, 29*time.Minute, cfg.Limits.IdleHeartbeat)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrNoConfigFile)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "domain: [unterminated\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty domain", func(c *Config) { c.Domain = "" }},
		{"no listeners", func(c *Config) { c.Listen = ListenConfig{} }},
		{"metrics without http listener", func(c *Config) { c.Metrics.Enabled = true }},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "/c.pem" }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"bucketless blob storage", func(c *Config) { c.BlobStorage.Enabled = true }},
		{"zero fetch limit", func(c *Config) { c.Limits.FetchMaxMessages = 0 }},
		{"zero timeout", func(c *Config) { c.Limits.SocketTimeout = 0 }},
		{"zero rate", func(c *Config) { c.Limits.CommandsPerSecond = 0 }},
		{"zero literal", func(c *Config) { c.Limits.MaxLiteral = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad format", func(c *Config) { c.Logging.Format = "text" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnv(t *testing.T) {
	envPath := writeFile(t, ".env", "IMAPGATE_JWT_SECRET=from-file\n")
	t.Setenv(EnvS3AccessKey, "AKIA")
	t.Setenv(EnvS3SecretKey, "shh")
	t.Cleanup(func() { os.Unsetenv(EnvJWTSecret) })

	cfg := DefaultConfig()
	require.NoError(t, LoadEnv(cfg, envPath))

	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "AKIA", cfg.BlobStorage.AccessKey)
	assert.Equal(t, "shh", cfg.BlobStorage.SecretKey)
}

func TestLoadEnv_MissingFile(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, LoadEnv(cfg, filepath.Join(t.TempDir(), ".env")))
}
