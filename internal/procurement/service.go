package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-scm/meridian/internal/events"
	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
}

// LedgerPort exposes the ledger operations used when posting receipts.
type LedgerPort interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx *ledger.Tx) error) ([]ledger.Movement, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards receipt numbers against double posting.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service orchestrates the purchase order workflow and receipt posting.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	approvals   *shared.ApprovalRecorder
	audit       AuditPort
	idempotency IdempotencyPort
	dispatcher  events.Dispatcher
	logger      *slog.Logger
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, ledgerPort LedgerPort, approvals *shared.ApprovalRecorder, audit AuditPort, idem IdempotencyPort, dispatcher events.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledgerPort, approvals: approvals, audit: audit, idempotency: idem, dispatcher: dispatcher, logger: logger}
}

// CreatePurchaseOrder persists the header and lines. The header total is the
// sum of ordered quantity times unit price. With AutoApprove the order is
// created approved, otherwise it awaits approval.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePOInput, opts Options) (PurchaseOrder, []POLine, error) {
	if input.SupplierID == 0 {
		return PurchaseOrder{}, nil, fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return PurchaseOrder{}, nil, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	var total float64
	for _, item := range input.Items {
		if item.ProductID == 0 || item.Qty <= 0 || item.UnitPrice < 0 {
			return PurchaseOrder{}, nil, fmt.Errorf("%w: line requires product, positive qty and non-negative price", ErrValidation)
		}
		total += float64(item.Qty) * item.UnitPrice
	}
	status := POStatusPendingApproval
	if opts.AutoApprove {
		status = POStatusApproved
	}
	po := PurchaseOrder{
		Number:     input.Number,
		SupplierID: input.SupplierID,
		Status:     status,
		Currency:   defaultString(input.Currency, "USD"),
		Total:      total,
		ExpectedAt: input.ExpectedAt,
		Note:       input.Note,
		CreatedAt:  time.Now().UTC(),
	}
	var lines []POLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		poID, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = poID
		for _, item := range input.Items {
			line := POLine{POID: poID, ProductID: item.ProductID, SKU: item.SKU, QtyOrdered: item.Qty, UnitPrice: item.UnitPrice}
			lineID, err := tx.InsertPOLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	s.recordAudit(ctx, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "total": po.Total, "auto_approve": opts.AutoApprove})
	return po, lines, nil
}

// ApprovePurchaseOrder marks the order approved and logs the approval.
func (s *Service) ApprovePurchaseOrder(ctx context.Context, poID int64, actorID int64) error {
	return s.decide(ctx, poID, actorID, POStatusApproved, shared.ApprovalApprove)
}

// RejectPurchaseOrder marks the order rejected.
func (s *Service) RejectPurchaseOrder(ctx context.Context, poID int64, actorID int64) error {
	return s.decide(ctx, poID, actorID, POStatusRejected, shared.ApprovalReject)
}

func (s *Service) decide(ctx context.Context, poID, actorID int64, next POStatus, action shared.ApprovalAction) error {
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != POStatusPendingApproval {
		return ErrInvalidState
	}
	refID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("PO:%d", poID)))
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePOStatus(ctx, poID, next); err != nil {
			return err
		}
		if s.approvals != nil {
			_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: "PO", RefID: refID, ActorID: actorID, Action: action, Note: fmt.Sprintf("PO %s %s", po.Number, action)})
		}
		return nil
	})
}

// ProcessReceipt reconciles ordered vs received quantities, posts accepted
// quantity to the ledger (all lines in one ledger transaction), records the
// receipt, and transitions the order to completed once every line's
// cumulative accepted quantity covers the ordered quantity. Posting the same
// receipt number twice fails with ErrDuplicateReceipt.
func (s *Service) ProcessReceipt(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if input.WarehouseID == 0 {
		return ReceiptResult{}, fmt.Errorf("%w: warehouse required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return ReceiptResult{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	for _, item := range input.Items {
		if item.ProductID == 0 {
			return ReceiptResult{}, fmt.Errorf("%w: item requires product", ErrValidation)
		}
		if item.QtyReceived < 0 || item.QtyAccepted < 0 || item.QtyRejected < 0 {
			return ReceiptResult{}, fmt.Errorf("%w: negative quantity", ErrValidation)
		}
		if item.QtyAccepted+item.QtyRejected != item.QtyReceived {
			return ReceiptResult{}, fmt.Errorf("%w: accepted %d + rejected %d != received %d for %s",
				ErrValidation, item.QtyAccepted, item.QtyRejected, item.QtyReceived, item.SKU)
		}
	}
	po, poLines, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return ReceiptResult{}, err
	}
	if po.Status != POStatusApproved && po.Status != POStatusPartiallyReceived {
		return ReceiptResult{}, ErrInvalidState
	}
	if input.Number == "" {
		input.Number = generateNumber("RCV")
	}

	key := fmt.Sprintf("RECEIPT:%s", input.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement.receipt"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return ReceiptResult{}, ErrDuplicateReceipt
			}
			return ReceiptResult{}, err
		}
		inserted = true
	}

	receipt := Receipt{
		Number:      input.Number,
		POID:        input.POID,
		WarehouseID: input.WarehouseID,
		ReceivedAt:  defaultTime(input.ReceivedAt),
	}
	items := make([]ReceiptItem, 0, len(input.Items))
	for _, item := range input.Items {
		discrepancy := classifyDiscrepancy(item)
		if discrepancy != DiscrepancyNone {
			receipt.HasDiscrepancies = true
		}
		items = append(items, ReceiptItem{
			ProductID:   item.ProductID,
			SKU:         item.SKU,
			QtyOrdered:  item.QtyOrdered,
			QtyReceived: item.QtyReceived,
			QtyAccepted: item.QtyAccepted,
			QtyRejected: item.QtyRejected,
			UnitCost:    item.UnitCost,
			Discrepancy: discrepancy,
		})
	}

	sorted := make([]ReceiptItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	_, err = s.ledger.Transact(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		for _, item := range sorted {
			if item.QtyAccepted == 0 {
				continue
			}
			_, err := tx.Apply(ctx, ledger.ApplyInput{
				Key:   ledger.Key{ProductID: item.ProductID, WarehouseID: input.WarehouseID},
				Delta: ledger.Delta{OnHand: item.QtyAccepted, Available: item.QtyAccepted},
				Movement: ledger.MovementInput{
					Type:      ledger.MovementPurchase,
					Qty:       item.QtyAccepted,
					UnitCost:  item.UnitCost,
					Reference: receipt.Number,
					Note:      fmt.Sprintf("receipt %s for PO %s", receipt.Number, po.Number),
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return ReceiptResult{}, err
	}

	accepted := make(map[int64]int64, len(items))
	for _, item := range items {
		accepted[item.ProductID] += item.QtyAccepted
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		receiptID, err := tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = receiptID
		for i := range items {
			items[i].ReceiptID = receiptID
			itemID, err := tx.InsertReceiptItem(ctx, items[i])
			if err != nil {
				return err
			}
			items[i].ID = itemID
		}
		completed := true
		for _, line := range poLines {
			lineAccepted := line.QtyAccepted + accepted[line.ProductID]
			if err := tx.SetPOLineAccepted(ctx, line.ID, lineAccepted); err != nil {
				return err
			}
			if lineAccepted < line.QtyOrdered {
				completed = false
			}
		}
		next := POStatusPartiallyReceived
		if completed {
			next = POStatusCompleted
		}
		return tx.UpdatePOStatus(ctx, input.POID, next)
	})
	if err != nil {
		// The ledger increase already committed without a receipt record.
		// Reverse it and free the receipt number so the caller can repost.
		if revErr := s.reverseReceipt(ctx, receipt.Number, input.WarehouseID, sorted); revErr != nil {
			// Stock stays increased; keeping the idempotency key blocks a
			// retry from double-posting until the row is reconciled by hand.
			s.logger.Error("reverse receipt after failed persist",
				slog.String("receipt", receipt.Number), slog.Any("error", revErr))
			return ReceiptResult{}, err
		}
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return ReceiptResult{}, err
	}

	s.recordAudit(ctx, "RECEIPT_POST", receipt.ID, map[string]any{
		"number": receipt.Number, "po": po.Number, "discrepancies": receipt.HasDiscrepancies,
	})
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, events.New(events.TypePurchaseOrderReceiptDone, map[string]any{
			"receipt_number":    receipt.Number,
			"po_number":         po.Number,
			"items":             len(items),
			"has_discrepancies": receipt.HasDiscrepancies,
		}))
	}
	return ReceiptResult{Receipt: receipt, Items: items, HasDiscrepancies: receipt.HasDiscrepancies}, nil
}

// reverseReceipt backs out the ledger increase of a receipt whose record
// could not be persisted.
func (s *Service) reverseReceipt(ctx context.Context, number string, warehouseID int64, items []ReceiptItem) error {
	_, err := s.ledger.Transact(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		for _, item := range items {
			if item.QtyAccepted == 0 {
				continue
			}
			_, err := tx.Apply(ctx, ledger.ApplyInput{
				Key:   ledger.Key{ProductID: item.ProductID, WarehouseID: warehouseID},
				Delta: ledger.Delta{OnHand: -item.QtyAccepted, Available: -item.QtyAccepted},
				Movement: ledger.MovementInput{
					Type:      ledger.MovementAdjust,
					Qty:       -item.QtyAccepted,
					Reference: number,
					Note:      fmt.Sprintf("receipt %s reversed, record not persisted", number),
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// GetPurchaseOrder returns the header and lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, []POLine, error) {
	return s.repo.GetPO(ctx, poID)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "procurement", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}
