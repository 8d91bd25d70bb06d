package fulfillment

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-scm/meridian/internal/platform/db"
	"github.com/meridian-scm/meridian/internal/shared"
)

// Repository persists customer orders and allocations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertOrder(ctx context.Context, order CustomerOrder) (int64, error)
	InsertAllocation(ctx context.Context, alloc Allocation) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fulfillment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetOrder fetches the order header and its allocations.
func (r *Repository) GetOrder(ctx context.Context, orderID int64) (CustomerOrder, []Allocation, error) {
	if r == nil {
		return CustomerOrder{}, nil, errors.New("fulfillment repository not initialised")
	}
	var order CustomerOrder
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, number, customer_id, warehouse_id, status, created_at
FROM customer_orders WHERE id=$1`, orderID).
		Scan(&order.ID, &order.Number, &order.CustomerID, &order.WarehouseID, &status, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CustomerOrder{}, nil, shared.ErrNotFound
		}
		return CustomerOrder{}, nil, err
	}
	order.Status = OrderStatus(status)

	rows, err := r.pool.Query(ctx, `SELECT id, order_id, product_id, sku, qty_requested, qty_allocated, qty_backordered, status
FROM order_allocations WHERE order_id=$1 ORDER BY id ASC`, orderID)
	if err != nil {
		return CustomerOrder{}, nil, err
	}
	defer rows.Close()
	var allocations []Allocation
	for rows.Next() {
		var a Allocation
		var lineStatus string
		if err := rows.Scan(&a.ID, &a.OrderID, &a.ProductID, &a.SKU, &a.Requested, &a.Allocated, &a.Backordered, &lineStatus); err != nil {
			return CustomerOrder{}, nil, err
		}
		a.Status = LineStatus(lineStatus)
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return CustomerOrder{}, nil, err
	}
	return order, allocations, nil
}

func (r *txRepository) InsertOrder(ctx context.Context, order CustomerOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO customer_orders (number, customer_id, warehouse_id, status, created_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		order.Number, order.CustomerID, order.WarehouseID, string(order.Status), order.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertAllocation(ctx context.Context, alloc Allocation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO order_allocations (order_id, product_id, sku, qty_requested, qty_allocated, qty_backordered, status)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		alloc.OrderID, alloc.ProductID, alloc.SKU, alloc.Requested, alloc.Allocated, alloc.Backordered, string(alloc.Status)).Scan(&id)
	return id, err
}
