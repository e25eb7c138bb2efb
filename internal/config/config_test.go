package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Setenv("MEDICARE_PORT", "9090")
	t.Setenv("API_KEY", "from-api-key")
	t.Setenv("STORAGE_QUOTA_BYTES", "5242880")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,127.0.0.1")

	path := writeConfig(t, `
port: "8080"
logLevel: "debug"
storageDriver: "SQLite"
databaseURL: "file:medicare.db"
timezone: "Asia/Taipei"
lineBotAPI: "https://bot.example.com"
minioEndpoint: "localhost:9000"
minioAccessKey: "ak"
minioSecretKey: "sk"
minioBucket: "medicare"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q, want %q", cfg.Port, "9090")
	}
	if cfg.StorageDriver != "sqlite" {
		t.Fatalf("storageDriver = %q, want %q", cfg.StorageDriver, "sqlite")
	}
	if cfg.GeminiAPIKey != "from-api-key" {
		t.Fatalf("geminiAPIKey = %q", cfg.GeminiAPIKey)
	}
	if cfg.GenerationModel != "gemini-2.5-flash" {
		t.Fatalf("generationModel = %q", cfg.GenerationModel)
	}
	if cfg.QuotaBytes != 5242880 {
		t.Fatalf("quotaBytes = %d", cfg.QuotaBytes)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("minioUseSSL = false, want true")
	}
	if len(cfg.TrustedProxies) != 2 {
		t.Fatalf("trustedProxies = %v", cfg.TrustedProxies)
	}
	if cfg.MediaDir != "" {
		t.Fatalf("mediaDir = %q, want empty when minio is set", cfg.MediaDir)
	}
	if cfg.MonitorInterval() != 2*time.Second {
		t.Fatalf("monitor interval = %v", cfg.MonitorInterval())
	}
	if cfg.Location().String() != "Asia/Taipei" {
		t.Fatalf("location = %v", cfg.Location())
	}
}

func TestGeminiKeyPrecedence(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "primary")
	t.Setenv("API_KEY", "secondary")
	cfg, err := Load(writeConfig(t, "port: \"8080\"\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GeminiAPIKey != "primary" {
		t.Fatalf("geminiAPIKey = %q, want primary", cfg.GeminiAPIKey)
	}
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageDriver != "memory" || cfg.Port != "8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"redis without addr", "storageDriver: redis\n"},
		{"postgres without url", "storageDriver: postgres\n"},
		{"unknown driver", "storageDriver: etcd\n"},
		{"ollama without base url", "generationProvider: ollama\ngenerationModel: llava\n"},
		{"bad timezone", "timezone: Mars/Olympus\n"},
		{"partial minio", "minioEndpoint: localhost:9000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBadIntegerEnv(t *testing.T) {
	t.Setenv("SCAN_RATE_LIMIT", "many")
	if _, err := Load(writeConfig(t, "port: \"1\"\n")); err == nil {
		t.Fatal("expected error for non-numeric SCAN_RATE_LIMIT")
	}
}
