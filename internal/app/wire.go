package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"medicare/internal/config"
	"medicare/pkg/ai"
	"medicare/pkg/notify"
	"medicare/pkg/scan"
	"medicare/pkg/storage"
	"medicare/pkg/store"
)

// FromConfig builds the application from loaded configuration.
func FromConfig(ctx context.Context, cfg config.FileConfig) (*App, error) {
	kv, err := store.Open(ctx, store.Options{
		Driver:        cfg.StorageDriver,
		DSN:           cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		QuotaBytes:    cfg.QuotaBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var (
		rdb       *redis.Client
		ownsRedis bool
	)
	if rkv, ok := kv.(*store.RedisKV); ok {
		rdb = rkv.Client()
	} else if cfg.RedisAddr != "" {
		rdb, err = dialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		ownsRedis = true
	}

	gen, err := ai.NewVisionGenerator(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		APIKey:   cfg.GeminiAPIKey,
		BaseURL:  cfg.GenerationBaseURL,
		Model:    cfg.GenerationModel,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("init vision model: %w", err)
	}
	if gen == nil {
		slog.Warn(scan.NoCredentialWarning)
	}

	media, err := openMedia(ctx, cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	a, err := New(Config{
		Store:           store.New(kv),
		Scanner:         scan.New(gen),
		Notifier:        notify.NewLineClient(cfg.LineBotAPI),
		Media:           media,
		Redis:           rdb,
		Location:        cfg.Location(),
		MonitorInterval: cfg.MonitorInterval(),
		SessionTTL:      cfg.SessionTTL(),
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	a.ownsRedis = ownsRedis
	return a, nil
}

func dialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func openMedia(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.MinioEndpoint != "" {
		ms, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init media store: %w", err)
		}
		return ms, nil
	}
	fs, err := storage.NewFileStore(cfg.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("init media store: %w", err)
	}
	return fs, nil
}
