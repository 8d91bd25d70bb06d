package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-scm/meridian/internal/app"
	"github.com/meridian-scm/meridian/internal/events"
	"github.com/meridian-scm/meridian/internal/fulfillment"
	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/observability"
	"github.com/meridian-scm/meridian/internal/platform/cache"
	"github.com/meridian-scm/meridian/internal/platform/db"
	"github.com/meridian-scm/meridian/internal/pricing"
	"github.com/meridian-scm/meridian/internal/procurement"
	"github.com/meridian-scm/meridian/internal/reorder"
	"github.com/meridian-scm/meridian/internal/shared"
	"github.com/meridian-scm/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	metrics := observability.NewMetrics()
	engineMetrics := observability.NewEngineMetrics(metrics.Registerer())

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	dispatcher := events.NewAsynqDispatcher(jobClient.Asynq(), logger)

	ledgerRepo := ledger.NewRepository(pool, cfg.LedgerLockTimeout)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, engineMetrics, logger,
		ledger.ServiceConfig{RetryLimit: cfg.LedgerRetryLimit})

	fulfillmentRepo := fulfillment.NewRepository(pool)
	fulfillmentService := fulfillment.NewService(ledgerService, fulfillmentRepo, auditLogger, dispatcher, engineMetrics, logger)

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(procurementRepo, ledgerService, approvalRecorder, auditLogger, idempotencyStore, dispatcher, logger)

	pricingRepo := pricing.NewRepository(pool)
	pricingService := pricing.NewService(pricingRepo, jobClient, auditLogger, dispatcher, logger)

	var reorderCache *reorder.Cache
	if redisClient != nil {
		reorderCache = reorder.NewCache(redisClient, cfg.ReorderCacheTTL)
	}
	reorderService := reorder.NewService(ledgerService, pricingService, reorderCache, dispatcher, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		LedgerHandler:      ledger.NewHandler(logger, ledgerService),
		FulfillmentHandler: fulfillment.NewHandler(logger, fulfillmentService, fulfillment.Options{AllowBackorders: cfg.AllowBackorders}),
		ProcurementHandler: procurement.NewHandler(logger, procurementService, procurement.Options{AutoApprove: cfg.AutoApprovePO}),
		PricingHandler: pricing.NewHandler(logger, pricingService, pricing.UploadOptions{
			PriceChangeThreshold:      cfg.PriceChangeThreshold,
			TriggerReorderSuggestions: true,
		}),
		ReorderHandler: reorder.NewHandler(logger, reorderService),
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	}
}
