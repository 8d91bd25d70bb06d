package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-scm/meridian/internal/events"
)

// HandleNotifyTask builds the handler that delivers workflow events to the
// notification sink. Delivery is a structured log line; downstream consumers
// tail the log or subscribe to the queue directly.
func HandleNotifyTask(logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var event events.Event
		if err := json.Unmarshal(t.Payload(), &event); err != nil {
			return asynq.SkipRetry
		}
		logger.Info("event delivered",
			slog.String("type", event.Type),
			slog.String("correlation_id", event.CorrelationID.String()),
			slog.Time("occurred_at", event.OccurredAt),
			slog.Any("payload", event.Payload))
		return nil
	}
}
