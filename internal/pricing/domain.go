package pricing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalogue record the engine prices and reorders against.
type Product struct {
	ID         int64
	SKU        string
	SupplierID int64
	Name       string
	CostPrice  float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PriceListStatus tracks the ingestion lifecycle of an uploaded list.
type PriceListStatus string

const (
	PriceListPending   PriceListStatus = "pending"
	PriceListProcessed PriceListStatus = "processed"
)

// PriceList is the header of one validated supplier upload. Parsing and
// validation of the source file happen upstream; rows arrive ready to apply.
type PriceList struct {
	ID         int64
	SupplierID int64
	Status     PriceListStatus
	UploadedAt time.Time
}

// PriceRow is one validated price entry.
type PriceRow struct {
	SKU         string
	UnitPrice   decimal.Decimal
	Currency    string
	MinQuantity int64
}

// UploadOptions is the per-operation ingestion policy.
type UploadOptions struct {
	// AutoCreateProducts creates catalogue entries for unknown SKUs instead of
	// skipping them with a warning.
	AutoCreateProducts bool
	// PriceChangeThreshold flags cost swings whose absolute fractional change
	// exceeds it. Zero disables the check.
	PriceChangeThreshold float64
	// TriggerReorderSuggestions queues a reorder scan for the supplier once
	// the whole batch has been applied.
	TriggerReorderSuggestions bool
}

// UploadResult summarises one ingestion run. Bad rows become warnings; the
// valid subset is still applied.
type UploadResult struct {
	PriceListID int64
	Processed   int
	Created     int
	Updated     int
	Warnings    []string
}

var (
	// ErrPriceListNotFound indicates an unknown price list id.
	ErrPriceListNotFound = errors.New("pricing: price list not found")
	// ErrProductNotFound indicates an unknown product.
	ErrProductNotFound = errors.New("pricing: product not found")
)
