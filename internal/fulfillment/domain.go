package fulfillment

import (
	"errors"
	"time"
)

// LineStatus is the terminal outcome of one order line. Outcomes are fixed at
// allocation time; re-allocation on restock is a separate workflow.
type LineStatus string

const (
	// LineAllocated means the full requested quantity was reserved.
	LineAllocated LineStatus = "allocated"
	// LineBackorder means part or none of the requested quantity was reserved.
	LineBackorder LineStatus = "backorder"
	// LineRejected means the order was rejected before any reservation.
	LineRejected LineStatus = "rejected"
)

// OrderStatus aggregates line outcomes on the order header.
type OrderStatus string

const (
	OrderAllocated OrderStatus = "allocated"
	OrderBackorder OrderStatus = "backorder"
	OrderRejected  OrderStatus = "rejected"
)

// CustomerOrder is the order header.
type CustomerOrder struct {
	ID          int64
	Number      string
	CustomerID  int64
	WarehouseID int64
	Status      OrderStatus
	CreatedAt   time.Time
}

// OrderLineInput describes one requested line.
type OrderLineInput struct {
	ProductID int64
	SKU       string
	Qty       int64
}

// OrderInput describes an order submission.
type OrderInput struct {
	Number      string
	CustomerID  int64
	WarehouseID int64
	Lines       []OrderLineInput
}

// Options is the per-operation allocation policy.
type Options struct {
	// AllowBackorders permits partial fulfilment; the unfulfilled remainder is
	// recorded as backordered. When false, insufficient stock rejects the
	// whole order.
	AllowBackorders bool
}

// Allocation is the outcome of one order line.
type Allocation struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	SKU         string
	Requested   int64
	Allocated   int64
	Backordered int64
	Status      LineStatus
}

// Summary aggregates allocation outcomes across an order.
type Summary struct {
	FullyAllocated   bool
	BackorderedItems int
}

// OrderResult is returned by ProcessCustomerOrder.
type OrderResult struct {
	Order       CustomerOrder
	Allocations []Allocation
	Summary     Summary
}

// ReturnInput describes a post-fulfilment customer return. Returns restore
// on-hand and available stock and never touch reserved quantity.
type ReturnInput struct {
	ProductID   int64
	WarehouseID int64
	Qty         int64
	Reference   string
	Note        string
}

// ReleaseInput describes cancellation of an allocated-but-unshipped line,
// which moves quantity from reserved back to available.
type ReleaseInput struct {
	ProductID   int64
	WarehouseID int64
	Qty         int64
	Reference   string
}

// ShipmentInput confirms physical shipment of reserved stock, decreasing
// on-hand and reserved together.
type ShipmentInput struct {
	ProductID   int64
	WarehouseID int64
	Qty         int64
	Reference   string
}

// ErrInsufficientStock is returned when an order would oversell and backorders
// are disallowed. No line of the order commits.
var ErrInsufficientStock = errors.New("fulfillment: insufficient inventory")

// ErrInvalidOrder indicates a malformed order submission.
var ErrInvalidOrder = errors.New("fulfillment: invalid order")
