package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"paysync/internal/engine"
	"paysync/internal/logger"
	"paysync/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, metricsPath string
	var allowLegacy, devLogin bool
	var webhookInterval time.Duration
	var webhookWorkers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if secret == "" {
				return fmt.Errorf("%s_JWT_SECRET is required for bearer auth", envPrefix)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				log := logger.Default().With(zap.String("component", "server"))
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: allowLegacy,
						Logger:                 log,
						EnableDevLogin:         devLogin,
					},
					MetricsPath: metricsPath,
				})
				if err != nil {
					return err
				}

				if d := server.StartWebhookDispatcher(ctx, e, server.WebhookOptions{
					LedgerID: viper.GetString("ledger"),
					Interval: webhookInterval,
					Workers:  webhookWorkers,
					Logger:   log,
				}); d != nil {
					log.Info("webhook dispatcher started", zap.Int("webhooks", len(e.Config.Webhooks)))
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.Warn("shutdown", zap.Error(err))
					}
				}()
				log.Info("listening", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Paysync API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&metricsPath, "metrics-path", "/metrics", "Prometheus endpoint, empty to disable")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "mount POST /auth/dev/login to exchange credentials for a JWT (local use only)")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "event log poll interval for webhooks")
	cmd.Flags().IntVar(&webhookWorkers, "webhook-workers", 4, "concurrent webhook deliveries")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens (env "+envPrefix+"_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
