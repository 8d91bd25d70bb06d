package reorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-scm/meridian/internal/events"
	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/shared"
)

// LedgerPort lists ledger rows at or below their reorder point.
type LedgerPort interface {
	ListBelowReorder(ctx context.Context, supplierID int64) ([]ledger.ReorderCandidate, error)
}

// PricePort resolves the newest active purchase price for a SKU.
type PricePort interface {
	LatestActivePrice(ctx context.Context, sku string) (float64, bool, error)
}

// Service computes replenishment suggestions per supplier.
type Service struct {
	ledger     LedgerPort
	prices     PricePort
	cache      *Cache
	dispatcher events.Dispatcher
	logger     *slog.Logger
}

// NewService builds Service. Cache and dispatcher may be nil.
func NewService(ledgerPort LedgerPort, prices PricePort, cache *Cache, dispatcher events.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerPort, prices: prices, cache: cache, dispatcher: dispatcher, logger: logger}
}

// Generate scans the supplier's ledger rows and proposes one suggestion per
// row at or below its reorder point. Suggested quantity is the configured
// reorder quantity, falling back to enough to lift available stock to twice
// the reorder point. Unit cost prefers the newest active price and falls back
// to the last purchase cost.
func (s *Service) Generate(ctx context.Context, supplierID int64) (Report, error) {
	if supplierID == 0 {
		return Report{}, fmt.Errorf("%w: supplier required", shared.ErrValidation)
	}
	candidates, err := s.ledger.ListBelowReorder(ctx, supplierID)
	if err != nil {
		return Report{}, err
	}

	report := Report{SupplierID: supplierID, GeneratedAt: time.Now().UTC()}
	for _, c := range candidates {
		qty := c.ReorderQty
		if qty <= 0 {
			qty = 2*c.ReorderPoint - c.Available
		}
		if qty <= 0 {
			continue
		}
		cost := c.LastPurchaseCost
		if s.prices != nil {
			if price, ok, err := s.prices.LatestActivePrice(ctx, c.SKU); err != nil {
				s.logger.Warn("resolve active price", slog.String("sku", c.SKU), slog.Any("error", err))
			} else if ok {
				cost = price
			}
		}
		suggestion := Suggestion{
			ProductID:     c.ProductID,
			SKU:           c.SKU,
			WarehouseID:   c.WarehouseID,
			Available:     c.Available,
			ReorderPoint:  c.ReorderPoint,
			SuggestedQty:  qty,
			UnitCost:      cost,
			EstimatedCost: float64(qty) * cost,
		}
		report.Suggestions = append(report.Suggestions, suggestion)
		report.EstimatedCost += suggestion.EstimatedCost
	}

	if err := s.cache.StoreReport(ctx, report); err != nil {
		s.logger.Warn("cache reorder report", slog.Int64("supplier_id", supplierID), slog.Any("error", err))
	}
	if s.dispatcher != nil && len(report.Suggestions) > 0 {
		s.dispatcher.Dispatch(ctx, events.New(events.TypeReorderSuggestionsGenerated, map[string]any{
			"supplier_id":    supplierID,
			"suggestions":    len(report.Suggestions),
			"estimated_cost": report.EstimatedCost,
		}))
	}
	return report, nil
}

// LatestReport returns the cached report for the supplier, regenerating when
// the cache misses. Concurrent requests for the same supplier collapse onto a
// single regeneration.
func (s *Service) LatestReport(ctx context.Context, supplierID int64) (Report, error) {
	if supplierID == 0 {
		return Report{}, fmt.Errorf("%w: supplier required", shared.ErrValidation)
	}
	var report Report
	err := s.cache.FetchReport(ctx, supplierID, &report, func(ctx context.Context) (Report, error) {
		return s.Generate(ctx, supplierID)
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}
