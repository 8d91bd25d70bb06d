package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-scm/meridian/internal/reorder"
	"github.com/meridian-scm/meridian/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeReorderScan triggers a reorder suggestion scan for one supplier.
	TaskTypeReorderScan = "reorder:scan"
	// TaskTypeIdempotencyPurge removes idempotency keys past retention.
	TaskTypeIdempotencyPurge = "idempotency:purge"

	idempotencyRetention = 30 * 24 * time.Hour
)

// ReorderScanPayload identifies the supplier to scan.
type ReorderScanPayload struct {
	SupplierID  int64     `json:"supplier_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewReorderScanTask constructs an Asynq task for a supplier scan.
func NewReorderScanTask(supplierID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReorderScanPayload{SupplierID: supplierID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeReorderScan, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyPurgeTask constructs the periodic purge task.
func NewIdempotencyPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskTypeIdempotencyPurge, nil, asynq.Queue(QueueDefault))
}

// HandleIdempotencyPurgeTask builds the handler that prunes expired keys.
func HandleIdempotencyPurgeTask(store *shared.IdempotencyStore, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, idempotencyRetention); err != nil {
			logger.Error("idempotency purge", slog.Any("error", err))
			return err
		}
		logger.Info("idempotency purge done")
		return nil
	}
}

// HandleReorderScanTask builds the handler that runs reorder generation.
func HandleReorderScanTask(svc *reorder.Service, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReorderScanPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		report, err := svc.Generate(ctx, payload.SupplierID)
		if err != nil {
			logger.Error("reorder scan",
				slog.Int64("supplier_id", payload.SupplierID),
				slog.Any("error", err))
			return err
		}
		logger.Info("reorder scan done",
			slog.Int64("supplier_id", payload.SupplierID),
			slog.Int("suggestions", len(report.Suggestions)),
			slog.Float64("estimated_cost", report.EstimatedCost))
		return nil
	}
}
