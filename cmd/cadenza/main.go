package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-erp/cadenza-erp/internal/app"
	"github.com/cadenza-erp/cadenza-erp/internal/deliverynote"
	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/picking"
	"github.com/cadenza-erp/cadenza-erp/internal/platform/cache"
	"github.com/cadenza-erp/cadenza-erp/internal/platform/db"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
	"github.com/cadenza-erp/cadenza-erp/internal/sequence"
	"github.com/cadenza-erp/cadenza-erp/internal/withholding"
	"github.com/cadenza-erp/cadenza-erp/jobs"
	"github.com/cadenza-erp/cadenza-erp/report"
)

func main() {
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

	masterRepo := masterdata.NewRepository(pool)
	pickingRepo := picking.NewRepository(pool)
	sequenceRepo := sequence.NewRepository(pool)
	salesBridge := sales.NewBridge(pool)

	noteRepo := deliverynote.NewRepository(pool)
	confirmGuard := deliverynote.NewRedisConfirmGuard(redisClient, cfg.ConfirmWarningTTL)
	noteService := deliverynote.NewService(
		logger, noteRepo, pickingRepo, salesBridge, masterRepo, sequenceRepo, confirmGuard,
		deliverynote.ServiceConfig{
			RequirePartnerRef: cfg.RequirePartnerRef,
			ShippingWeightUom: cfg.ShippingWeightUom,
		},
	)
	noteHandler := deliverynote.NewHandler(logger, noteService)

	withholdingRepo := withholding.NewRepository(pool)
	withholdingService := withholding.NewService(logger, withholdingRepo)
	withholdingHandler := withholding.NewHandler(logger, withholdingService)

	pdfClient := report.NewClient(cfg.GotenbergURL)
	reportHandler, err := report.NewHandler(pdfClient, noteService, masterRepo, logger)
	if err != nil {
		logger.Error("init report handler", slog.Any("error", err))
		os.Exit(1)
	}

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		DeliveryNoteHandler: noteHandler,
		WithholdingHandler:  withholdingHandler,
		ReportHandler:       reportHandler,
		Jobs:                jobsClient,
		Pool:                pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
