package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"medicare/internal/app"
	"medicare/internal/ratelimit"
	"medicare/internal/server"
	"medicare/internal/util"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reminder monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := util.InitLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			core, err := app.FromConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer core.Close()

			var limiter *ratelimit.Limiter
			if rdb := core.Redis(); rdb != nil {
				limiter, err = ratelimit.New(rdb, "medicare:ratelimit:scan", cfg.ScanRateLimit, cfg.ScanRateWindow())
				if err != nil {
					return err
				}
			} else {
				logger.Warn("scan rate limiting disabled: redis not configured")
			}
			proxies, err := util.ParseProxyList(cfg.TrustedProxies)
			if err != nil {
				return fmt.Errorf("trusted proxies: %w", err)
			}

			httpServer, err := server.New(server.Config{
				App:            core,
				ScanLimiter:    limiter,
				TrustedProxies: proxies,
				PublicBaseURL:  cfg.PublicBaseURL,
			})
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}

			addr := ":" + cfg.Port
			srv := &http.Server{
				Addr:         addr,
				Handler:      httpServer.Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return core.RunMonitor(gctx)
			})
			g.Go(func() error {
				slog.Info("medicare server listening", "addr", addr, "storage", cfg.StorageDriver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if err := g.Wait(); err != nil {
				logger.Error("server error", "err", err)
				return err
			}
			return nil
		},
	}
}
