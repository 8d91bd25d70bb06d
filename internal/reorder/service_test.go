package reorder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/shared"
)

type stubLedger struct {
	candidates []ledger.ReorderCandidate
	calls      int
}

func (s *stubLedger) ListBelowReorder(ctx context.Context, supplierID int64) ([]ledger.ReorderCandidate, error) {
	s.calls++
	return s.candidates, nil
}

type stubPrices struct {
	prices map[string]float64
}

func (s *stubPrices) LatestActivePrice(ctx context.Context, sku string) (float64, bool, error) {
	price, ok := s.prices[sku]
	return price, ok, nil
}

func TestGenerateSuggestions(t *testing.T) {
	ledgerPort := &stubLedger{candidates: []ledger.ReorderCandidate{
		{ProductID: 1, SKU: "A", WarehouseID: 1, Available: 2, ReorderPoint: 5, ReorderQty: 20, LastPurchaseCost: 3},
		{ProductID: 2, SKU: "B", WarehouseID: 1, Available: 0, ReorderPoint: 4, LastPurchaseCost: 7},
	}}
	prices := &stubPrices{prices: map[string]float64{"A": 3.5}}
	svc := NewService(ledgerPort, prices, nil, nil, nil)

	report, err := svc.Generate(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 2)

	first := report.Suggestions[0]
	require.Equal(t, int64(20), first.SuggestedQty)
	// Active price beats last purchase cost.
	require.InDelta(t, 3.5, first.UnitCost, 0.0001)
	require.InDelta(t, 70.0, first.EstimatedCost, 0.0001)

	second := report.Suggestions[1]
	// No configured reorder quantity: lift available to twice the reorder point.
	require.Equal(t, int64(8), second.SuggestedQty)
	// No active price: fall back to last purchase cost.
	require.InDelta(t, 7.0, second.UnitCost, 0.0001)
	require.InDelta(t, 56.0, second.EstimatedCost, 0.0001)

	require.InDelta(t, 126.0, report.EstimatedCost, 0.0001)
}

func TestGenerateSkipsZeroQuantity(t *testing.T) {
	ledgerPort := &stubLedger{candidates: []ledger.ReorderCandidate{
		{ProductID: 1, SKU: "A", WarehouseID: 1, Available: 10, ReorderPoint: 5},
	}}
	svc := NewService(ledgerPort, &stubPrices{}, nil, nil, nil)

	report, err := svc.Generate(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, report.Suggestions)
}

func TestGenerateRequiresSupplier(t *testing.T) {
	svc := NewService(&stubLedger{}, &stubPrices{}, nil, nil, nil)
	_, err := svc.Generate(context.Background(), 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestLatestReportWithoutCacheGenerates(t *testing.T) {
	ledgerPort := &stubLedger{candidates: []ledger.ReorderCandidate{
		{ProductID: 1, SKU: "A", WarehouseID: 1, Available: 1, ReorderPoint: 2, ReorderQty: 5, LastPurchaseCost: 2},
	}}
	svc := NewService(ledgerPort, &stubPrices{}, nil, nil, nil)

	report, err := svc.LatestReport(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 1)
	require.Equal(t, 1, ledgerPort.calls)
}
