package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-scm/meridian/internal/platform/db"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Repository persists procurement data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) (int64, error)
	UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error
	SetPOLineAccepted(ctx context.Context, lineID int64, qtyAccepted int64) error
	InsertReceipt(ctx context.Context, receipt Receipt) (int64, error)
	InsertReceiptItem(ctx context.Context, item ReceiptItem) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetPO fetches the purchase order header and lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	if r == nil {
		return PurchaseOrder{}, nil, errors.New("procurement repository not initialised")
	}
	var po PurchaseOrder
	var status string
	var expectedAt *time.Time
	err := r.pool.QueryRow(ctx, `SELECT id, number, supplier_id, status, currency, total, expected_at, note, created_at
FROM purchase_orders WHERE id=$1`, id).
		Scan(&po.ID, &po.Number, &po.SupplierID, &status, &po.Currency, &po.Total, &expectedAt, &po.Note, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, shared.ErrNotFound
		}
		return PurchaseOrder{}, nil, err
	}
	po.Status = POStatus(status)
	if expectedAt != nil {
		po.ExpectedAt = *expectedAt
	}

	rows, err := r.pool.Query(ctx, `SELECT id, po_id, product_id, sku, qty_ordered, qty_accepted, unit_price
FROM purchase_order_lines WHERE po_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.ID, &line.POID, &line.ProductID, &line.SKU, &line.QtyOrdered, &line.QtyAccepted, &line.UnitPrice); err != nil {
			return PurchaseOrder{}, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

func (r *txRepository) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, status, currency, total, expected_at, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		po.Number, po.SupplierID, string(po.Status), po.Currency, po.Total, nullTime(po.ExpectedAt), po.Note, po.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertPOLine(ctx context.Context, line POLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (po_id, product_id, sku, qty_ordered, qty_accepted, unit_price)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		line.POID, line.ProductID, line.SKU, line.QtyOrdered, line.QtyAccepted, line.UnitPrice).Scan(&id)
	return id, err
}

func (r *txRepository) UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2 WHERE id=$1`, poID, string(status))
	return err
}

func (r *txRepository) SetPOLineAccepted(ctx context.Context, lineID int64, qtyAccepted int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET qty_accepted=$2 WHERE id=$1`, lineID, qtyAccepted)
	return err
}

func (r *txRepository) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO po_receipts (number, po_id, warehouse_id, received_at, has_discrepancies)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		receipt.Number, receipt.POID, receipt.WarehouseID, receipt.ReceivedAt, receipt.HasDiscrepancies).Scan(&id)
	return id, err
}

func (r *txRepository) InsertReceiptItem(ctx context.Context, item ReceiptItem) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO po_receipt_items (receipt_id, product_id, sku, qty_ordered, qty_received, qty_accepted, qty_rejected, unit_cost, discrepancy_type)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		item.ReceiptID, item.ProductID, item.SKU, item.QtyOrdered, item.QtyReceived, item.QtyAccepted, item.QtyRejected, item.UnitCost, nullString(string(item.Discrepancy))).Scan(&id)
	return id, err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
