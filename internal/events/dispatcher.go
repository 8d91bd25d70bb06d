package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// TaskTypeNotify is the asynq task type carrying one event to the sink.
const TaskTypeNotify = "notify:event"

// Dispatcher publishes events after the originating transaction committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// AsynqDispatcher enqueues events as background tasks. Enqueue failures are
// logged and swallowed; the engine result is already committed.
type AsynqDispatcher struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewAsynqDispatcher constructs AsynqDispatcher.
func NewAsynqDispatcher(client *asynq.Client, logger *slog.Logger) *AsynqDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqDispatcher{client: client, logger: logger}
}

// Dispatch enqueues the event, fire and forget.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, event Event) {
	if d == nil || d.client == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshal event", slog.String("type", event.Type), slog.Any("error", err))
		return
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeNotify, data)); err != nil {
		d.logger.Warn("enqueue event",
			slog.String("type", event.Type),
			slog.String("correlation_id", event.CorrelationID.String()),
			slog.Any("error", err))
	}
}

// LogDispatcher writes events to the log only. Used when no broker is
// configured and in tests.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher constructs LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the event.
func (d *LogDispatcher) Dispatch(_ context.Context, event Event) {
	d.logger.Info("event",
		slog.String("type", event.Type),
		slog.String("correlation_id", event.CorrelationID.String()),
		slog.Any("payload", event.Payload))
}
