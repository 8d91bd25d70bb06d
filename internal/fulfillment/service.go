package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/meridian-scm/meridian/internal/events"
	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/observability"
	"github.com/meridian-scm/meridian/internal/shared"
)

// LedgerPort exposes the ledger operations used by fulfilment. All stock
// reads and writes go through it; this module never touches ledger storage.
type LedgerPort interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx *ledger.Tx) error) ([]ledger.Movement, error)
	Apply(ctx context.Context, input ledger.ApplyInput) (ledger.Entry, ledger.Movement, error)
}

// RepositoryPort persists orders and allocations.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, orderID int64) (CustomerOrder, []Allocation, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service processes customer orders, returns, releases and shipments.
type Service struct {
	ledger     LedgerPort
	repo       RepositoryPort
	audit      AuditPort
	dispatcher events.Dispatcher
	metrics    *observability.EngineMetrics
	logger     *slog.Logger
}

// NewService builds Service.
func NewService(ledgerPort LedgerPort, repo RepositoryPort, audit AuditPort, dispatcher events.Dispatcher, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerPort, repo: repo, audit: audit, dispatcher: dispatcher, metrics: metrics, logger: logger}
}

// ProcessCustomerOrder attempts to reserve stock per line item. Lines are
// locked and mutated in key order inside one ledger transaction: either every
// line's ledger write commits, or none does. When backorders are disallowed
// and any line cannot be fully covered, the whole order fails with
// ErrInsufficientStock and the ledger is untouched.
func (s *Service) ProcessCustomerOrder(ctx context.Context, input OrderInput, opts Options) (OrderResult, error) {
	if err := validateOrder(input); err != nil {
		return OrderResult{}, err
	}
	if input.Number == "" {
		input.Number = fmt.Sprintf("SO-%d", time.Now().UnixNano())
	}

	lines := make([]OrderLineInput, len(input.Lines))
	copy(lines, input.Lines)
	sort.SliceStable(lines, func(i, j int) bool {
		a := ledger.Key{ProductID: lines[i].ProductID, WarehouseID: input.WarehouseID}
		b := ledger.Key{ProductID: lines[j].ProductID, WarehouseID: input.WarehouseID}
		return a.Less(b)
	})

	var allocations []Allocation
	_, err := s.ledger.Transact(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		allocations = allocations[:0]
		for _, line := range lines {
			key := ledger.Key{ProductID: line.ProductID, WarehouseID: input.WarehouseID}
			entry, err := tx.Entry(ctx, key)
			if err != nil {
				return err
			}
			allocatable := line.Qty
			if entry.Available < allocatable {
				allocatable = entry.Available
			}
			alloc := Allocation{
				ProductID:   line.ProductID,
				SKU:         line.SKU,
				Requested:   line.Qty,
				Allocated:   allocatable,
				Backordered: line.Qty - allocatable,
			}
			switch {
			case allocatable == line.Qty:
				alloc.Status = LineAllocated
			case opts.AllowBackorders:
				alloc.Status = LineBackorder
			default:
				return fmt.Errorf("%w for %s: requested %d, available %d",
					ErrInsufficientStock, line.SKU, line.Qty, entry.Available)
			}
			if allocatable > 0 {
				_, err := tx.Apply(ctx, ledger.ApplyInput{
					Key:   key,
					Delta: ledger.Delta{Available: -allocatable, Reserved: allocatable},
					Movement: ledger.MovementInput{
						Type:      ledger.MovementAllocation,
						Qty:       -allocatable,
						Reference: input.Number,
						Note:      fmt.Sprintf("allocation for %s", input.Number),
					},
				})
				if err != nil {
					return err
				}
			}
			allocations = append(allocations, alloc)
		}
		return nil
	})
	if err != nil {
		// Transient conflicts and lock timeouts are not business rejections;
		// only a genuine stock shortfall records the order as rejected.
		if errors.Is(err, ErrInsufficientStock) {
			s.persistRejected(ctx, input)
		}
		return OrderResult{}, err
	}

	summary := summarise(allocations)
	order := CustomerOrder{
		Number:      input.Number,
		CustomerID:  input.CustomerID,
		WarehouseID: input.WarehouseID,
		Status:      orderStatus(summary),
		CreatedAt:   time.Now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orderID, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = orderID
		for i := range allocations {
			allocations[i].OrderID = orderID
			id, err := tx.InsertAllocation(ctx, allocations[i])
			if err != nil {
				return err
			}
			allocations[i].ID = id
		}
		return nil
	})
	if err != nil {
		// The reservations already committed; release them so no stock stays
		// reserved against an order that was never recorded.
		s.releaseReservations(ctx, input.Number, input.WarehouseID, allocations)
		return OrderResult{}, err
	}

	for _, alloc := range allocations {
		if s.metrics != nil {
			s.metrics.AllocationOutcome(string(alloc.Status))
		}
	}
	s.recordAudit(ctx, "ORDER_ALLOCATE", order.Number, map[string]any{
		"order_id":          order.ID,
		"fully_allocated":   summary.FullyAllocated,
		"backordered_items": summary.BackorderedItems,
	})
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, events.New(events.TypeCustomerOrderAllocated, map[string]any{
			"order_number":      order.Number,
			"warehouse_id":      order.WarehouseID,
			"lines":             len(allocations),
			"fully_allocated":   summary.FullyAllocated,
			"backordered_items": summary.BackorderedItems,
		}))
	}
	return OrderResult{Order: order, Allocations: allocations, Summary: summary}, nil
}

// ProcessReturn restores returned quantity to on-hand and available stock.
// Reserved quantity is deliberately untouched: it only decreases via shipment
// or release of a cancelled allocation.
func (s *Service) ProcessReturn(ctx context.Context, input ReturnInput) (ledger.Movement, ledger.Entry, error) {
	if input.ProductID == 0 || input.WarehouseID == 0 {
		return ledger.Movement{}, ledger.Entry{}, fmt.Errorf("%w: product and warehouse required", shared.ErrValidation)
	}
	if input.Qty <= 0 {
		return ledger.Movement{}, ledger.Entry{}, fmt.Errorf("%w: return quantity must be positive", shared.ErrValidation)
	}
	entry, movement, err := s.ledger.Apply(ctx, ledger.ApplyInput{
		Key:   ledger.Key{ProductID: input.ProductID, WarehouseID: input.WarehouseID},
		Delta: ledger.Delta{OnHand: input.Qty, Available: input.Qty},
		Movement: ledger.MovementInput{
			Type:      ledger.MovementReturn,
			Qty:       input.Qty,
			Reference: input.Reference,
			Note:      input.Note,
		},
	})
	if err != nil {
		return ledger.Movement{}, ledger.Entry{}, err
	}
	s.recordAudit(ctx, "ORDER_RETURN", input.Reference, map[string]any{
		"product_id":   input.ProductID,
		"warehouse_id": input.WarehouseID,
		"qty":          input.Qty,
	})
	return movement, entry, nil
}

// ReleaseAllocation cancels an allocated-but-unshipped line, moving quantity
// from reserved back to available. On-hand is unchanged.
func (s *Service) ReleaseAllocation(ctx context.Context, input ReleaseInput) (ledger.Entry, error) {
	if input.Qty <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: release quantity must be positive", shared.ErrValidation)
	}
	entry, _, err := s.ledger.Apply(ctx, ledger.ApplyInput{
		Key:   ledger.Key{ProductID: input.ProductID, WarehouseID: input.WarehouseID},
		Delta: ledger.Delta{Available: input.Qty, Reserved: -input.Qty},
		Movement: ledger.MovementInput{
			Type:      ledger.MovementAdjust,
			Qty:       input.Qty,
			Reference: input.Reference,
			Note:      "allocation released",
		},
	})
	return entry, err
}

// ConfirmShipment decreases on-hand and reserved together once reserved stock
// physically leaves the warehouse.
func (s *Service) ConfirmShipment(ctx context.Context, input ShipmentInput) (ledger.Entry, error) {
	if input.Qty <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: shipment quantity must be positive", shared.ErrValidation)
	}
	entry, _, err := s.ledger.Apply(ctx, ledger.ApplyInput{
		Key:   ledger.Key{ProductID: input.ProductID, WarehouseID: input.WarehouseID},
		Delta: ledger.Delta{OnHand: -input.Qty, Reserved: -input.Qty},
		Movement: ledger.MovementInput{
			Type:      ledger.MovementAdjust,
			Qty:       -input.Qty,
			Reference: input.Reference,
			Note:      "shipment confirmed",
		},
	})
	return entry, err
}

// GetOrder returns an order with its allocations.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (CustomerOrder, []Allocation, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// releaseReservations compensates committed reservations of an order whose
// own record could not be persisted. Allocations arrive in key order already.
func (s *Service) releaseReservations(ctx context.Context, number string, warehouseID int64, allocations []Allocation) {
	_, err := s.ledger.Transact(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		for _, alloc := range allocations {
			if alloc.Allocated == 0 {
				continue
			}
			_, err := tx.Apply(ctx, ledger.ApplyInput{
				Key:   ledger.Key{ProductID: alloc.ProductID, WarehouseID: warehouseID},
				Delta: ledger.Delta{Available: alloc.Allocated, Reserved: -alloc.Allocated},
				Movement: ledger.MovementInput{
					Type:      ledger.MovementAdjust,
					Qty:       alloc.Allocated,
					Reference: number,
					Note:      fmt.Sprintf("allocation for %s reversed, order not recorded", number),
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("release reservations of unrecorded order",
			slog.String("number", number), slog.Any("error", err))
	}
}

func (s *Service) persistRejected(ctx context.Context, input OrderInput) {
	if s.repo == nil {
		return
	}
	order := CustomerOrder{
		Number:      input.Number,
		CustomerID:  input.CustomerID,
		WarehouseID: input.WarehouseID,
		Status:      OrderRejected,
		CreatedAt:   time.Now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orderID, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		for _, line := range input.Lines {
			alloc := Allocation{
				OrderID:     orderID,
				ProductID:   line.ProductID,
				SKU:         line.SKU,
				Requested:   line.Qty,
				Backordered: line.Qty,
				Status:      LineRejected,
			}
			if _, err := tx.InsertAllocation(ctx, alloc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("persist rejected order", slog.String("number", input.Number), slog.Any("error", err))
	}
	if s.metrics != nil {
		for range input.Lines {
			s.metrics.AllocationOutcome(string(LineRejected))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if entityID == "" {
		entityID = "-"
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "customer_order", EntityID: entityID, Meta: meta})
}

func validateOrder(input OrderInput) error {
	if input.WarehouseID == 0 {
		return fmt.Errorf("%w: warehouse required", ErrInvalidOrder)
	}
	if len(input.Lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrInvalidOrder)
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 {
			return fmt.Errorf("%w: product required", ErrInvalidOrder)
		}
		if line.Qty <= 0 {
			return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
		}
	}
	return nil
}

func summarise(allocations []Allocation) Summary {
	summary := Summary{FullyAllocated: true}
	for _, alloc := range allocations {
		if alloc.Backordered > 0 {
			summary.FullyAllocated = false
			summary.BackorderedItems++
		}
	}
	return summary
}

func orderStatus(summary Summary) OrderStatus {
	if summary.FullyAllocated {
		return OrderAllocated
	}
	return OrderBackorder
}
