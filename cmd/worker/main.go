package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-scm/meridian/internal/app"
	"github.com/meridian-scm/meridian/internal/events"
	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/observability"
	"github.com/meridian-scm/meridian/internal/platform/cache"
	"github.com/meridian-scm/meridian/internal/platform/db"
	"github.com/meridian-scm/meridian/internal/pricing"
	"github.com/meridian-scm/meridian/internal/reorder"
	"github.com/meridian-scm/meridian/internal/shared"
	"github.com/meridian-scm/meridian/jobs"
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
		logger.Warn("redis unavailable, reorder cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	engineMetrics := observability.NewEngineMetrics(nil)

	ledgerRepo := ledger.NewRepository(pool, cfg.LedgerLockTimeout)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, engineMetrics, logger,
		ledger.ServiceConfig{RetryLimit: cfg.LedgerRetryLimit})

	pricingRepo := pricing.NewRepository(pool)
	pricingService := pricing.NewService(pricingRepo, nil, auditLogger, events.NewLogDispatcher(logger), logger)

	var reorderCache *reorder.Cache
	if redisClient != nil {
		reorderCache = reorder.NewCache(redisClient, cfg.ReorderCacheTTL)
	}
	reorderService := reorder.NewService(ledgerService, pricingService, reorderCache, events.NewLogDispatcher(logger), logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeReorderScan, Handler: jobs.HandleReorderScanTask(reorderService, logger)},
			{Type: jobs.TaskTypeIdempotencyPurge, Handler: jobs.HandleIdempotencyPurgeTask(idempotencyStore, logger)},
			{Type: events.TaskTypeNotify, Handler: jobs.HandleNotifyTask(logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyPurgeTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
