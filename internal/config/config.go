package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfig   = "HIMALAYA_CACHE_CONFIG"
	EnvCacheDir = "HIMALAYA_CACHE_DIR"
	EnvBinary   = "HIMALAYA_CACHE_BIN"
	EnvLogLevel = "HIMALAYA_CACHE_LOG_LEVEL"
	EnvS3Key    = "HIMALAYA_CACHE_S3_KEY"
	EnvS3Secret = "HIMALAYA_CACHE_S3_SECRET"

	DefaultEnvFile = ".env"

	defaultCacheDir   = "~/.local/share/himalaya-cache"
	defaultBinary     = "~/.cargo/bin/himalaya"
	defaultAttempts   = 3
	defaultBackoff    = "2500ms"
	defaultPageSize   = 999
	defaultServeAddr  = "127.0.0.1:8025"
	defaultS3Region   = "us-east-1"
	defaultLogLevel   = "info"
	defaultConfigFile = "himalaya-cache/config.yml"
)

// Config mirrors the YAML file. Empty fields fall back to defaults.
type Config struct {
	CacheDir  string    `yaml:"cache_dir"`
	LogLevel  string    `yaml:"log_level"`
	Himalaya  Himalaya  `yaml:"himalaya"`
	Sync      Sync      `yaml:"sync"`
	Serve     Serve     `yaml:"serve"`
	Archive   Archive   `yaml:"archive"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Himalaya struct {
	Path     string `yaml:"path"`
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"`
	PageSize int    `yaml:"page_size"`
}

type Sync struct {
	Workers int `yaml:"workers"`
}

type Serve struct {
	Addr string `yaml:"addr"`
}

type Archive struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
}

type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

type Telemetry struct {
	Exporter       Exporter          `yaml:"exporter"`
	Endpoint       string            `yaml:"endpoint"`
	MetricEndpoint string            `yaml:"metric_endpoint"`
	Headers        map[string]string `yaml:"headers"`
	Insecure       bool              `yaml:"insecure"`
	XRayIDs        bool              `yaml:"xray_ids"`
}

// Settings is the resolved, validated configuration of one process.
type Settings struct {
	CacheDir   string
	Binary     string
	Attempts   int
	Backoff    time.Duration
	PageSize   int
	Workers    int
	ServeAddr  string
	LogLevel   string
	S3Endpoint string
	S3Region   string
	S3Bucket   string
	S3Prefix   string
	S3Key      string
	S3Secret   string
	Telemetry  Telemetry
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing %s", path)
	}

	return cfg, nil
}

// LoadEnvFile loads a dotenv file when one exists.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// ConfigPath picks the config file: the env var when set, else the user
// config directory. The second result reports whether the file must exist.
func ConfigPath() (string, bool) {
	if path := strings.TrimSpace(os.Getenv(EnvConfig)); path != "" {
		return path, true
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, defaultConfigFile), false
}

// Resolve loads the optional config file and applies env overrides and
// defaults.
func Resolve() (Settings, error) {
	var cfg Config
	if path, required := ConfigPath(); path != "" {
		loaded, err := Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case os.IsNotExist(err) && !required:
		default:
			return Settings{}, errors.Wrap(err, "loading config")
		}
	}
	return FromConfig(cfg)
}

// FromConfig fills defaults and env overrides into cfg and validates it.
func FromConfig(cfg Config) (Settings, error) {
	backoff, err := time.ParseDuration(defaultIfEmpty(cfg.Himalaya.Backoff, defaultBackoff))
	if err != nil {
		return Settings{}, errors.Wrap(err, "invalid himalaya.backoff")
	}

	s := Settings{
		CacheDir:   defaultIfEmpty(os.Getenv(EnvCacheDir), defaultIfEmpty(cfg.CacheDir, defaultCacheDir)),
		Binary:     defaultIfEmpty(os.Getenv(EnvBinary), defaultIfEmpty(cfg.Himalaya.Path, defaultBinary)),
		Attempts:   defaultIfZero(cfg.Himalaya.Attempts, defaultAttempts),
		Backoff:    backoff,
		PageSize:   defaultIfZero(cfg.Himalaya.PageSize, defaultPageSize),
		Workers:    defaultIfZero(cfg.Sync.Workers, runtime.NumCPU()),
		ServeAddr:  defaultIfEmpty(cfg.Serve.Addr, defaultServeAddr),
		LogLevel:   strings.ToLower(defaultIfEmpty(os.Getenv(EnvLogLevel), defaultIfEmpty(cfg.LogLevel, defaultLogLevel))),
		S3Endpoint: strings.TrimSpace(cfg.Archive.Endpoint),
		S3Region:   defaultIfEmpty(cfg.Archive.Region, defaultS3Region),
		S3Bucket:   strings.TrimSpace(cfg.Archive.Bucket),
		S3Prefix:   strings.Trim(cfg.Archive.Prefix, "/"),
		S3Key:      strings.TrimSpace(os.Getenv(EnvS3Key)),
		S3Secret:   strings.TrimSpace(os.Getenv(EnvS3Secret)),
		Telemetry:  cfg.Telemetry,
	}
	if s.Telemetry.Exporter == "" {
		s.Telemetry.Exporter = ExporterNone
	}

	if s.CacheDir, err = expandHome(s.CacheDir); err != nil {
		return Settings{}, err
	}
	if s.Binary, err = expandHome(s.Binary); err != nil {
		return Settings{}, err
	}

	if err := Validate(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate performs basic validation on resolved settings.
func Validate(s Settings) error {
	if s.Attempts < 1 {
		return errors.Errorf("himalaya.attempts must be at least 1, got %d", s.Attempts)
	}
	if s.Backoff < 0 {
		return errors.New("himalaya.backoff must be positive")
	}
	if s.PageSize < 1 {
		return errors.Errorf("himalaya.page_size must be at least 1, got %d", s.PageSize)
	}
	if s.Workers < 1 {
		return errors.Errorf("sync.workers must be at least 1, got %d", s.Workers)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log level %q", s.LogLevel)
	}
	switch s.Telemetry.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if strings.TrimSpace(s.Telemetry.Endpoint) == "" {
			return errors.New("telemetry.endpoint is required for the otlp exporter")
		}
	default:
		return errors.Errorf("unknown telemetry exporter %q", s.Telemetry.Exporter)
	}
	return nil
}

// ValidateArchive reports what is missing to reach a bucket.
func (s Settings) ValidateArchive() error {
	missing := []string{}
	if s.S3Bucket == "" {
		missing = append(missing, "archive.bucket")
	}
	if s.S3Key == "" {
		missing = append(missing, EnvS3Key)
	}
	if s.S3Secret == "" {
		missing = append(missing, EnvS3Secret)
	}
	if len(missing) > 0 {
		return errors.Errorf("archive is not configured, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Summary returns a concise config summary.
func Summary(s Settings) string {
	return fmt.Sprintf(
		"Config summary\n"+
			"- cache dir: %s\n"+
			"- himalaya: %s\n"+
			"- workers: %d\n"+
			"- archive bucket: %s\n"+
			"- telemetry: %s",
		s.CacheDir,
		s.Binary,
		s.Workers,
		defaultIfEmpty(s.S3Bucket, "(not set)"),
		s.Telemetry.Exporter,
	)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "expanding %s", path)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func defaultIfZero(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}
