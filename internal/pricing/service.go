package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridian-scm/meridian/internal/events"
	"github.com/meridian-scm/meridian/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPriceList(ctx context.Context, id int64) (PriceList, []PriceRow, error)
	LatestActivePrice(ctx context.Context, sku string) (float64, bool, error)
}

// ReorderTrigger queues a reorder scan for one supplier. The scan runs in the
// background; queuing failures must not fail the upload.
type ReorderTrigger interface {
	TriggerScan(ctx context.Context, supplierID int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service applies validated price list rows to the product catalogue.
type Service struct {
	repo       RepositoryPort
	reorder    ReorderTrigger
	audit      AuditPort
	dispatcher events.Dispatcher
	logger     *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, reorder ReorderTrigger, audit AuditPort, dispatcher events.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, reorder: reorder, audit: audit, dispatcher: dispatcher, logger: logger}
}

// ProcessPriceListUpload applies every valid row of the uploaded list: match
// SKU to product (create when AutoCreateProducts), flag large cost deltas as
// warnings, update the product cost and the active price row. One bad row
// never fails the batch; it is collected into Warnings. The reorder scan, if
// requested, is queued once after the whole batch.
func (s *Service) ProcessPriceListUpload(ctx context.Context, priceListID int64, opts UploadOptions) (UploadResult, error) {
	list, rows, err := s.repo.GetPriceList(ctx, priceListID)
	if err != nil {
		return UploadResult{}, err
	}
	if list.Status == PriceListProcessed {
		return UploadResult{}, fmt.Errorf("%w: price list %d already processed", shared.ErrValidation, priceListID)
	}

	result := UploadResult{PriceListID: priceListID}
	threshold := decimal.NewFromFloat(opts.PriceChangeThreshold)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, row := range rows {
			if row.SKU == "" || row.UnitPrice.LessThanOrEqual(decimal.Zero) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: invalid sku or price", i+1))
				continue
			}
			created := false
			// Read through the transaction so products created earlier in
			// this batch are visible to later rows of the same SKU.
			product, err := tx.GetProductBySKU(ctx, list.SupplierID, row.SKU)
			switch {
			case errors.Is(err, ErrProductNotFound) && opts.AutoCreateProducts:
				product = Product{SKU: row.SKU, SupplierID: list.SupplierID, Name: row.SKU}
				id, createErr := tx.CreateProduct(ctx, product)
				if createErr != nil {
					return createErr
				}
				product.ID = id
				created = true
				result.Created++
			case errors.Is(err, ErrProductNotFound):
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: unknown sku %s", i+1, row.SKU))
				continue
			case err != nil:
				return err
			}

			newPrice, _ := row.UnitPrice.Float64()
			if product.CostPrice > 0 && !threshold.IsZero() {
				oldCost := decimal.NewFromFloat(product.CostPrice)
				change := row.UnitPrice.Sub(oldCost).Div(oldCost)
				if change.Abs().GreaterThan(threshold) {
					result.Warnings = append(result.Warnings, fmt.Sprintf(
						"row %d: price change %s%% for %s exceeds threshold",
						i+1, change.Mul(decimal.NewFromInt(100)).Round(1), row.SKU))
				}
			}
			if err := tx.UpdateProductCost(ctx, product.ID, newPrice); err != nil {
				return err
			}
			if err := tx.UpsertActivePrice(ctx, list.SupplierID, row); err != nil {
				return err
			}
			if !created {
				result.Updated++
			}
			result.Processed++
		}
		return tx.MarkPriceListProcessed(ctx, priceListID)
	})
	if err != nil {
		return UploadResult{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action: "PRICELIST_PROCESS", Entity: "price_list", EntityID: fmt.Sprintf("%d", priceListID),
			Meta: map[string]any{"processed": result.Processed, "created": result.Created, "warnings": len(result.Warnings)},
		})
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, events.New(events.TypePriceListProcessed, map[string]any{
			"price_list_id": priceListID,
			"supplier_id":   list.SupplierID,
			"processed":     result.Processed,
			"created":       result.Created,
			"updated":       result.Updated,
			"warnings":      len(result.Warnings),
		}))
	}
	if opts.TriggerReorderSuggestions && s.reorder != nil {
		if err := s.reorder.TriggerScan(ctx, list.SupplierID); err != nil {
			s.logger.Warn("queue reorder scan", slog.Int64("supplier_id", list.SupplierID), slog.Any("error", err))
		}
	}
	return result, nil
}

// LatestActivePrice exposes the newest active price for a SKU. Used by the
// reorder engine to estimate restock cost.
func (s *Service) LatestActivePrice(ctx context.Context, sku string) (float64, bool, error) {
	return s.repo.LatestActivePrice(ctx, sku)
}
