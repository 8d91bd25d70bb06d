// Package events carries post-commit workflow events to the notification sink.
// Delivery is best effort and never blocks or fails the originating workflow.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the workflow engine.
const (
	TypeReorderSuggestionsGenerated = "reorder_suggestions_generated"
	TypePriceListProcessed          = "price_list_processed"
	TypePurchaseOrderReceiptDone    = "purchase_order_receipt_completed"
	TypeCustomerOrderAllocated      = "customer_order_allocated"
)

// Event is one fire-and-forget notification with a correlation id and a
// summary payload.
type Event struct {
	Type          string         `json:"type"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload"`
}

// New builds an event with a fresh correlation id.
func New(eventType string, payload map[string]any) Event {
	return Event{
		Type:          eventType,
		CorrelationID: uuid.New(),
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}
