package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/ngsnet/billing/internal/app"
	"github.com/ngsnet/billing/internal/observability"
	"github.com/ngsnet/billing/jobs"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the billing HTTP API",
		Example: `  # Postgres store, Redis on localhost
  billing serve

  # Throwaway in-memory store
  STORE_DRIVER=memory billing serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.InTestMode() {
				slog.Default().Info("test mode detected, skipping runtime startup")
				return nil
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, stop, cfg, app.NewLogger(cfg))
		},
	}
}

func runServer(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, logger, metrics.Registerer())
	if err != nil {
		return err
	}
	defer services.Close()

	jobHandler := jobs.NewHandler(nil, logger)
	if services.Redis != nil {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		inspector := asynq.NewInspector(redisOpt)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		client := jobs.NewClient(redisOpt)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger).WithEnqueuer(client)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: services.Handler(cfg, logger),
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Ready:          services.Ready,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return err
	}
	return nil
}
