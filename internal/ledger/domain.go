package ledger

import (
	"errors"
	"fmt"
	"time"
)

// StockStatus is derived from available quantity vs reorder point after every mutation.
type StockStatus string

const (
	// StatusInStock indicates available quantity above the reorder point.
	StatusInStock StockStatus = "in_stock"
	// StatusLowStock indicates available quantity at or below the reorder point.
	StatusLowStock StockStatus = "low_stock"
	// StatusOutOfStock indicates no available quantity.
	StatusOutOfStock StockStatus = "out_of_stock"
)

// MovementType enumerates supported ledger movements.
type MovementType string

const (
	// MovementPurchase represents a goods receipt increase.
	MovementPurchase MovementType = "purchase"
	// MovementAllocation represents a customer order reservation.
	MovementAllocation MovementType = "allocation"
	// MovementReturn represents a customer return increase.
	MovementReturn MovementType = "return"
	// MovementAdjust indicates manual adjustments.
	MovementAdjust MovementType = "adjustment"
)

// Key identifies one ledger row. All mutations for the same key serialize on it.
type Key struct {
	ProductID   int64
	WarehouseID int64
}

// Less orders keys so multi-row transactions lock in a deterministic sequence.
func (k Key) Less(other Key) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.WarehouseID < other.WarehouseID
}

// Entry is the durable stock record per product and warehouse.
type Entry struct {
	ProductID        int64
	WarehouseID      int64
	OnHand           int64
	Available        int64
	Reserved         int64
	InTransit        int64
	ReorderPoint     int64
	ReorderQty       int64
	AvgCost          float64
	LastPurchaseCost float64
	Status           StockStatus
	UpdatedAt        time.Time
}

// Key returns the row key of the entry.
func (e Entry) Key() Key {
	return Key{ProductID: e.ProductID, WarehouseID: e.WarehouseID}
}

// Delta describes a bounded relative mutation of one ledger row.
type Delta struct {
	OnHand    int64
	Available int64
	Reserved  int64
	InTransit int64
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.OnHand == 0 && d.Available == 0 && d.Reserved == 0 && d.InTransit == 0
}

// Movement is the immutable audit record of a single signed quantity change.
type Movement struct {
	ID          int64
	ProductID   int64
	WarehouseID int64
	Type        MovementType
	Qty         int64
	UnitCost    float64
	Reference   string
	Note        string
	CreatedAt   time.Time
}

// MovementInput describes the movement to append alongside a delta.
type MovementInput struct {
	Type      MovementType
	Qty       int64
	UnitCost  float64
	Reference string
	Note      string
}

// ApplyInput bundles one row mutation with its movement record.
type ApplyInput struct {
	Key      Key
	Delta    Delta
	Movement MovementInput
}

// MovementFilter filters movement history queries.
type MovementFilter struct {
	ProductID   int64
	WarehouseID int64
	From        time.Time
	To          time.Time
	Limit       int
}

// ReorderCandidate is a ledger row at or below its reorder point for one supplier.
type ReorderCandidate struct {
	ProductID        int64
	SKU              string
	WarehouseID      int64
	Available        int64
	ReorderPoint     int64
	ReorderQty       int64
	LastPurchaseCost float64
}

var (
	// ErrInvariantViolation guards the on-hand/available/reserved identity and
	// non-negativity. It indicates a logic defect and always aborts the transaction.
	ErrInvariantViolation = errors.New("ledger: quantity invariant violated")
	// ErrEntryNotFound indicates a missing ledger row.
	ErrEntryNotFound = errors.New("ledger: entry not found")
	// ErrInvalidMovement indicates a movement without type or quantity.
	ErrInvalidMovement = errors.New("ledger: movement type and quantity required")
)

// deriveStatus recomputes the stock status from available quantity.
func deriveStatus(available, reorderPoint int64) StockStatus {
	switch {
	case available <= 0:
		return StatusOutOfStock
	case available <= reorderPoint:
		return StatusLowStock
	default:
		return StatusInStock
	}
}

// checkInvariants verifies that on hand equals available plus reserved and
// that no quantity went negative on the post-mutation entry.
func checkInvariants(e Entry) error {
	if e.OnHand != e.Available+e.Reserved {
		return fmt.Errorf("%w: on_hand %d != available %d + reserved %d for product %d warehouse %d",
			ErrInvariantViolation, e.OnHand, e.Available, e.Reserved, e.ProductID, e.WarehouseID)
	}
	if e.OnHand < 0 || e.Available < 0 || e.Reserved < 0 || e.InTransit < 0 {
		return fmt.Errorf("%w: negative quantity for product %d warehouse %d",
			ErrInvariantViolation, e.ProductID, e.WarehouseID)
	}
	return nil
}
