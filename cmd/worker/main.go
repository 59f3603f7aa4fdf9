package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngsnet/billing/internal/app"
	jobmetrics "github.com/ngsnet/billing/internal/jobs"
	"github.com/ngsnet/billing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	services, err := app.BuildServices(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer services.Close()

	metrics := jobmetrics.NewMetrics(nil)
	reconcileJob := jobs.NewReconcileJob(services.Reconciler, logger, metrics)
	sweepJob := jobs.NewReconcileSweepJob(services.Invoices, services.Reconciler, cfg.SweepConcurrency, logger, metrics)

	var cron []jobs.CronRegistration
	if cfg.SweepCron != "" {
		sweepTask, err := jobs.NewReconcileSweepTask(jobs.ReconcileSweepPayload{})
		if err != nil {
			logger.Error("build sweep task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskLedgerReconcileSweep, Handler: sweepJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("store", cfg.StoreDriver), slog.Bool("scheduled_sweep", len(cron) > 0))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
