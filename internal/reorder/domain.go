package reorder

import "time"

// Suggestion is one proposed replenishment line for a supplier.
type Suggestion struct {
	ProductID     int64   `json:"product_id"`
	SKU           string  `json:"sku"`
	WarehouseID   int64   `json:"warehouse_id"`
	Available     int64   `json:"available"`
	ReorderPoint  int64   `json:"reorder_point"`
	SuggestedQty  int64   `json:"suggested_qty"`
	UnitCost      float64 `json:"unit_cost"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Report groups the suggestions produced by one supplier scan.
type Report struct {
	SupplierID    int64        `json:"supplier_id"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Suggestions   []Suggestion `json:"suggestions"`
	EstimatedCost float64      `json:"estimated_cost"`
}
