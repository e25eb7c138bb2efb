package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when no --config flag is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	PublicBaseURL string `yaml:"publicBaseURL"`
	Timezone      string `yaml:"timezone"`

	// StorageDriver is one of memory, redis, sqlite, postgres.
	StorageDriver string `yaml:"storageDriver"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QuotaBytes    int    `yaml:"quotaBytes"`

	GeminiAPIKey       string `yaml:"geminiAPIKey"`
	GenerationProvider string `yaml:"generationProvider"`
	GenerationBaseURL  string `yaml:"generationBaseURL"`
	GenerationModel    string `yaml:"generationModel"`

	LineBotAPI string `yaml:"lineBotAPI"`

	MonitorIntervalSeconds int `yaml:"monitorIntervalSeconds"`
	SessionTTLMinutes      int `yaml:"sessionTTLMinutes"`

	ScanRateLimit         int      `yaml:"scanRateLimit"`
	ScanRateWindowSeconds int      `yaml:"scanRateWindowSeconds"`
	TrustedProxies        []string `yaml:"trustedProxies"`

	MediaDir       string `yaml:"mediaDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

// Load reads config from path (defaults to config.yaml). A missing default
// file is not an error; defaults and the environment still apply.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	explicit := path != ""
	if !explicit {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&cfg.Port, "MEDICARE_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.PublicBaseURL, "MEDICARE_PUBLIC_URL")
	setString(&cfg.Timezone, "MEDICARE_TIMEZONE")
	setString(&cfg.StorageDriver, "STORAGE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.GeminiAPIKey, "GEMINI_API_KEY", "API_KEY")
	setString(&cfg.GenerationProvider, "GENERATION_PROVIDER")
	setString(&cfg.GenerationBaseURL, "GENERATION_BASE_URL")
	setString(&cfg.GenerationModel, "GENERATION_MODEL")
	setString(&cfg.LineBotAPI, "LINE_BOT_API")
	setString(&cfg.MediaDir, "MEDIA_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := strings.TrimSpace(os.Getenv("MINIO_USE_SSL")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MINIO_USE_SSL: %w", err)
		}
		cfg.MinioUseSSL = b
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"STORAGE_QUOTA_BYTES", &cfg.QuotaBytes},
		{"MONITOR_INTERVAL_SECONDS", &cfg.MonitorIntervalSeconds},
		{"SCAN_RATE_LIMIT", &cfg.ScanRateLimit},
		{"SCAN_RATE_WINDOW_SECONDS", &cfg.ScanRateWindowSeconds},
	}
	for _, it := range ints {
		v := strings.TrimSpace(os.Getenv(it.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", it.key, err)
		}
		*it.dst = n
	}
	if v := strings.TrimSpace(os.Getenv("TRUSTED_PROXIES")); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "memory"
	}
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = "gemini"
	}
	cfg.GenerationProvider = strings.ToLower(cfg.GenerationProvider)
	if cfg.GenerationModel == "" && cfg.GenerationProvider == "gemini" {
		cfg.GenerationModel = "gemini-2.5-flash"
	}
	if cfg.MonitorIntervalSeconds <= 0 {
		cfg.MonitorIntervalSeconds = 2
	}
	if cfg.SessionTTLMinutes <= 0 {
		cfg.SessionTTLMinutes = 60
	}
	if cfg.ScanRateLimit <= 0 {
		cfg.ScanRateLimit = 20
	}
	if cfg.ScanRateWindowSeconds <= 0 {
		cfg.ScanRateWindowSeconds = 60
	}
	if cfg.MediaDir == "" && cfg.MinioEndpoint == "" {
		cfg.MediaDir = "data/media"
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.StorageDriver {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis storage driver (set in config.yaml or REDIS_ADDR)")
		}
	case "sqlite", "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for sql storage drivers (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q (memory, redis, sqlite, postgres)", cfg.StorageDriver)
	}
	switch cfg.GenerationProvider {
	case "gemini":
	case "openai-compat", "ollama":
		if cfg.GenerationBaseURL == "" {
			return fmt.Errorf("config: generationBaseURL is required for provider %q", cfg.GenerationProvider)
		}
		if cfg.GenerationModel == "" {
			return errors.New("config: generationModel is required (set in config.yaml or GENERATION_MODEL)")
		}
	default:
		return fmt.Errorf("config: unknown generationProvider %q", cfg.GenerationProvider)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	if cfg.QuotaBytes < 0 {
		return errors.New("config: quotaBytes must not be negative")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minio requires access key, secret key and bucket")
	}
	return nil
}

// Location returns the time zone reminders are evaluated in.
func (c FileConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// MonitorInterval is the reminder tick period.
func (c FileConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func (c FileConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c FileConfig) ScanRateWindow() time.Duration {
	return time.Duration(c.ScanRateWindowSeconds) * time.Second
}
