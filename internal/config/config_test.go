package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{EnvConfig, EnvCacheDir, EnvBinary, EnvLogLevel, EnvS3Key, EnvS3Secret} {
		t.Setenv(name, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", "/home/tester")

	s, err := FromConfig(Config{})
	require.NoError(t, err)

	assert.Equal(t, "/home/tester/.local/share/himalaya-cache", s.CacheDir)
	assert.Equal(t, "/home/tester/.cargo/bin/himalaya", s.Binary)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, 2500*time.Millisecond, s.Backoff)
	assert.Equal(t, 999, s.PageSize)
	assert.Equal(t, runtime.NumCPU(), s.Workers)
	assert.Equal(t, "127.0.0.1:8025", s.ServeAddr)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, ExporterNone, s.Telemetry.Exporter)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCacheDir, "/srv/mail-cache")
	t.Setenv(EnvBinary, "/usr/bin/himalaya")
	t.Setenv(EnvLogLevel, "DEBUG")

	path := writeTempFile(t, `
cache_dir: /tmp/ignored
himalaya:
  path: /opt/ignored
  attempts: 5
  backoff: 1s
sync:
  workers: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	s, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/srv/mail-cache", s.CacheDir)
	assert.Equal(t, "/usr/bin/himalaya", s.Binary)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 5, s.Attempts)
	assert.Equal(t, time.Second, s.Backoff)
	assert.Equal(t, 2, s.Workers)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempFile(t, "not: [valid_yaml")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid YAML")
	}
}

func TestValidation(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad backoff", "himalaya:\n  backoff: soon\n", "himalaya.backoff"},
		{"negative attempts", "himalaya:\n  attempts: -1\n", "himalaya.attempts"},
		{"negative workers", "sync:\n  workers: -4\n", "sync.workers"},
		{"unknown level", "log_level: loud\n", "unknown log level"},
		{"unknown exporter", "telemetry:\n  exporter: zipkin\n", "unknown telemetry exporter"},
		{"otlp without endpoint", "telemetry:\n  exporter: otlp\n", "telemetry.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeTempFile(t, tt.yaml))
			require.NoError(t, err)

			_, err = FromConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolve(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	t.Run("missing default file is fine", func(t *testing.T) {
		_, err := Resolve()
		require.NoError(t, err)
	})

	t.Run("explicit file must exist", func(t *testing.T) {
		t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "nope.yml"))
		_, err := Resolve()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading config")
	})

	t.Run("explicit file is used", func(t *testing.T) {
		t.Setenv(EnvConfig, writeTempFile(t, "cache_dir: /data/cache\n"))
		s, err := Resolve()
		require.NoError(t, err)
		assert.Equal(t, "/data/cache", s.CacheDir)
	})
}

func TestValidateArchive(t *testing.T) {
	clearEnv(t)
	s, err := FromConfig(Config{})
	require.NoError(t, err)

	err = s.ValidateArchive()
	require.Error(t, err)
	assert.EqualError(t, err, "archive is not configured, missing: archive.bucket, "+EnvS3Key+", "+EnvS3Secret)

	t.Setenv(EnvS3Key, "key")
	t.Setenv(EnvS3Secret, "secret")
	s, err = FromConfig(Config{Archive: Archive{Bucket: "mail", Prefix: "/backups/"}})
	require.NoError(t, err)
	assert.NoError(t, s.ValidateArchive())
	assert.Equal(t, "backups", s.S3Prefix)
	assert.Equal(t, "us-east-1", s.S3Region)
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")))

	// godotenv never overrides variables that are already present.
	require.NoError(t, os.Unsetenv(EnvBinary))
	path := writeTempFile(t, EnvBinary+"=/from/dotenv\n")
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "/from/dotenv", os.Getenv(EnvBinary))
}

func TestSummary(t *testing.T) {
	clearEnv(t)
	s, err := FromConfig(Config{CacheDir: "/c", Himalaya: Himalaya{Path: "/h"}, Sync: Sync{Workers: 4}})
	require.NoError(t, err)

	summary := Summary(s)
	assert.True(t, strings.HasPrefix(summary, "Config summary"))
	assert.Contains(t, summary, "- cache dir: /c")
	assert.Contains(t, summary, "- workers: 4")
	assert.Contains(t, summary, "- archive bucket: (not set)")
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	return path
}
