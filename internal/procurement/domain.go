package procurement

import (
	"errors"
	"time"
)

// Purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft             POStatus = "draft"
	POStatusPendingApproval   POStatus = "pending_approval"
	POStatusApproved          POStatus = "approved"
	POStatusRejected          POStatus = "rejected"
	POStatusPartiallyReceived POStatus = "partially_received"
	POStatusCompleted         POStatus = "completed"
)

// DiscrepancyType classifies a receipt line that deviated from the order.
type DiscrepancyType string

const (
	DiscrepancyNone          DiscrepancyType = ""
	DiscrepancyQuantityShort DiscrepancyType = "quantity_short"
	DiscrepancyQuantityOver  DiscrepancyType = "quantity_over"
	DiscrepancyQualityReject DiscrepancyType = "quality_reject"
)

// PurchaseOrder is the order header. It is a pure state machine: no ledger
// write happens before a receipt is posted against it.
type PurchaseOrder struct {
	ID         int64
	Number     string
	SupplierID int64
	Status     POStatus
	Currency   string
	Total      float64
	ExpectedAt time.Time
	Note       string
	CreatedAt  time.Time
}

// POLine is one ordered item. QtyAccepted accumulates across receipts.
type POLine struct {
	ID          int64
	POID        int64
	ProductID   int64
	SKU         string
	QtyOrdered  int64
	QtyAccepted int64
	UnitPrice   float64
}

// POItemInput describes one line of a new purchase order.
type POItemInput struct {
	ProductID int64
	SKU       string
	Qty       int64
	UnitPrice float64
}

// CreatePOInput describes a purchase order creation.
type CreatePOInput struct {
	Number     string
	SupplierID int64
	Currency   string
	ExpectedAt time.Time
	Note       string
	Items      []POItemInput
}

// Options is the per-operation purchase order policy.
type Options struct {
	// AutoApprove skips the approval step and creates the order approved.
	AutoApprove bool
}

// Receipt records one delivery event against a purchase order. Immutable
// after posting.
type Receipt struct {
	ID               int64
	Number           string
	POID             int64
	WarehouseID      int64
	ReceivedAt       time.Time
	HasDiscrepancies bool
}

// ReceiptItem mirrors one PO line for a delivery.
type ReceiptItem struct {
	ID          int64
	ReceiptID   int64
	ProductID   int64
	SKU         string
	QtyOrdered  int64
	QtyReceived int64
	QtyAccepted int64
	QtyRejected int64
	UnitCost    float64
	Discrepancy DiscrepancyType
}

// ReceiptItemInput describes one delivered line.
type ReceiptItemInput struct {
	ProductID   int64
	SKU         string
	QtyOrdered  int64
	QtyReceived int64
	QtyAccepted int64
	QtyRejected int64
	UnitCost    float64
}

// ReceiptInput describes a delivery to reconcile and post.
type ReceiptInput struct {
	POID        int64
	Number      string
	WarehouseID int64
	ReceivedAt  time.Time
	Items       []ReceiptItemInput
}

// ReceiptResult is returned by ProcessReceipt.
type ReceiptResult struct {
	Receipt          Receipt
	Items            []ReceiptItem
	HasDiscrepancies bool
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrDuplicateReceipt indicates the receipt number was already posted.
	ErrDuplicateReceipt = errors.New("procurement: receipt already posted")
)

// classifyDiscrepancy derives the discrepancy type of one receipt item.
// A quantity shortfall takes precedence over quality rejection.
func classifyDiscrepancy(item ReceiptItemInput) DiscrepancyType {
	switch {
	case item.QtyReceived < item.QtyOrdered:
		return DiscrepancyQuantityShort
	case item.QtyReceived > item.QtyOrdered:
		return DiscrepancyQuantityOver
	case item.QtyRejected > 0:
		return DiscrepancyQualityReject
	default:
		return DiscrepancyNone
	}
}
