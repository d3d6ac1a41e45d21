package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		JWTSecret:         "0123456789abcdef0123456789abcdef",
		MinExpiryDays:     1,
		DefaultExpiryDays: 7,
		MaxExpiryDays:     30,
		MaxFileSize:       1024,
		UploadTTL:         time.Hour,
		StorageBackend:    "local",
		PasswordAttempts:  5,
		PasswordWindow:    time.Minute,
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "local", cfg.StorageBackend)
	assert.Equal(t, 24*time.Hour, cfg.UploadTTL)
	assert.Equal(t, 24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 7, cfg.DefaultExpiryDays)
	assert.Equal(t, 1, cfg.MinExpiryDays)
	assert.Equal(t, 30, cfg.MaxExpiryDays)
	assert.Equal(t, 5, cfg.PasswordAttempts)
	assert.Equal(t, time.Minute, cfg.PasswordWindow)
	assert.Equal(t, int64(10*1024*1024*1024), cfg.MaxFileSize)
	assert.Contains(t, cfg.DeniedExtensions, "bat")
	assert.Empty(t, cfg.AllowedExtensions)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BASE_URL", "https://drop.example.com/")
	t.Setenv("UPLOAD_TTL_HOURS", "1.5")
	t.Setenv("ALLOWED_EXTENSIONS", ".PDF, zip ,")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://drop.example.com", cfg.BaseURL)
	assert.Equal(t, 90*time.Minute, cfg.UploadTTL)
	assert.Equal(t, []string{"pdf", "zip"}, cfg.AllowedExtensions)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dropbeam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7070\"\nmax_expiry_days: 14\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 14, cfg.MaxExpiryDays)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "JWT_SECRET is required"},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "at least 32"},
		{name: "min above max", mutate: func(c *Config) { c.MinExpiryDays = 40 }, wantErr: "expiry bounds"},
		{name: "default out of range", mutate: func(c *Config) { c.DefaultExpiryDays = 31 }, wantErr: "DEFAULT_EXPIRY_DAYS"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.StorageBackend = "s3" }, wantErr: "S3_BUCKET"},
		{name: "unknown backend", mutate: func(c *Config) { c.StorageBackend = "ftp" }, wantErr: "unknown STORAGE_BACKEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
