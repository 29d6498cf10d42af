package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cadenza-erp/cadenza-erp/internal/app"
	"github.com/cadenza-erp/cadenza-erp/internal/deliverynote"
	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/picking"
	"github.com/cadenza-erp/cadenza-erp/internal/platform/cache"
	"github.com/cadenza-erp/cadenza-erp/internal/platform/db"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
	"github.com/cadenza-erp/cadenza-erp/internal/sequence"
	"github.com/cadenza-erp/cadenza-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	noteService := deliverynote.NewService(
		logger,
		deliverynote.NewRepository(pool),
		picking.NewRepository(pool),
		sales.NewBridge(pool),
		masterdata.NewRepository(pool),
		sequence.NewRepository(pool),
		deliverynote.NewRedisConfirmGuard(redisClient, cfg.ConfirmWarningTTL),
		deliverynote.ServiceConfig{
			RequirePartnerRef: cfg.RequirePartnerRef,
			ShippingWeightUom: cfg.ShippingWeightUom,
		},
	)

	resyncJob := jobs.NewInvoiceStatusResyncJob(noteService, logger)
	sweepJob := jobs.NewDetailLinesSweepJob(noteService, logger)

	resyncTask, err := jobs.NewInvoiceStatusResyncTask(time.Now())
	if err != nil {
		logger.Error("build resync task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewDetailLinesSweepTask(time.Now())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceStatusResync, Handler: resyncJob.Handle},
			{Type: jobs.TaskDetailLinesSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: resyncTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
