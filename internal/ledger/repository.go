package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-scm/meridian/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds how long a row lock
// acquisition may wait before the statement fails with 55P03.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetEntryForUpdate(ctx context.Context, key Key) (Entry, error)
	UpsertEntry(ctx context.Context, entry Entry) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with a
// bounded lock wait.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		return fn(ctx, &txRepository{tx: tx})
	})
}

const entryColumns = `product_id, warehouse_id, qty_on_hand, qty_available, qty_reserved, qty_in_transit,
reorder_point, reorder_qty, avg_cost, last_purchase_cost, stock_status, updated_at`

// GetEntry reads one ledger row without locking.
func (r *Repository) GetEntry(ctx context.Context, key Key) (Entry, error) {
	if r == nil {
		return Entry{}, errors.New("ledger repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger WHERE product_id=$1 AND warehouse_id=$2`,
		key.ProductID, key.WarehouseID)
	return scanEntry(row)
}

// ListMovements lists movement history for one row.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, warehouse_id, movement_type, qty, unit_cost, reference, note, created_at
FROM stock_movements
WHERE product_id=$1 AND warehouse_id=$2 AND created_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $5`, filter.ProductID, filter.WarehouseID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var movementType string
		if err := rows.Scan(&m.ID, &m.ProductID, &m.WarehouseID, &movementType, &m.Qty, &m.UnitCost, &m.Reference, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(movementType)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// ListBelowReorder returns the supplier's products at or below reorder point.
func (r *Repository) ListBelowReorder(ctx context.Context, supplierID int64) ([]ReorderCandidate, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT l.product_id, p.sku, l.warehouse_id, l.qty_available, l.reorder_point, l.reorder_qty, l.last_purchase_cost
FROM stock_ledger l
JOIN products p ON p.id = l.product_id
WHERE p.supplier_id = $1 AND l.qty_available <= l.reorder_point
ORDER BY l.product_id ASC, l.warehouse_id ASC`, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	candidates := []ReorderCandidate{}
	for rows.Next() {
		var c ReorderCandidate
		if err := rows.Scan(&c.ProductID, &c.SKU, &c.WarehouseID, &c.Available, &c.ReorderPoint, &c.ReorderQty, &c.LastPurchaseCost); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, key Key) (Entry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger WHERE product_id=$1 AND warehouse_id=$2 FOR UPDATE`,
		key.ProductID, key.WarehouseID)
	return scanEntry(row)
}

func (r *txRepository) UpsertEntry(ctx context.Context, entry Entry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_ledger (product_id, warehouse_id, qty_on_hand, qty_available, qty_reserved, qty_in_transit,
reorder_point, reorder_qty, avg_cost, last_purchase_cost, stock_status, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
ON CONFLICT (product_id, warehouse_id) DO UPDATE SET
qty_on_hand=EXCLUDED.qty_on_hand, qty_available=EXCLUDED.qty_available, qty_reserved=EXCLUDED.qty_reserved,
qty_in_transit=EXCLUDED.qty_in_transit, reorder_point=EXCLUDED.reorder_point, reorder_qty=EXCLUDED.reorder_qty,
avg_cost=EXCLUDED.avg_cost, last_purchase_cost=EXCLUDED.last_purchase_cost, stock_status=EXCLUDED.stock_status, updated_at=NOW()`,
		entry.ProductID, entry.WarehouseID, entry.OnHand, entry.Available, entry.Reserved, entry.InTransit,
		entry.ReorderPoint, entry.ReorderQty, entry.AvgCost, entry.LastPurchaseCost, string(entry.Status))
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, warehouse_id, movement_type, qty, unit_cost, reference, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		movement.ProductID, movement.WarehouseID, string(movement.Type), movement.Qty, movement.UnitCost,
		movement.Reference, movement.Note, movement.CreatedAt).Scan(&id)
	return id, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var status string
	err := row.Scan(&e.ProductID, &e.WarehouseID, &e.OnHand, &e.Available, &e.Reserved, &e.InTransit,
		&e.ReorderPoint, &e.ReorderQty, &e.AvgCost, &e.LastPurchaseCost, &status, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	e.Status = StockStatus(status)
	return e, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
