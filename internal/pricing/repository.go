package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-scm/meridian/internal/platform/db"
)

// Repository persists catalogue and price list data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. Product
// lookups go through the transaction so rows created earlier in the same
// batch are visible.
type TxRepository interface {
	GetProductBySKU(ctx context.Context, supplierID int64, sku string) (Product, error)
	CreateProduct(ctx context.Context, product Product) (int64, error)
	UpdateProductCost(ctx context.Context, productID int64, costPrice float64) error
	UpsertActivePrice(ctx context.Context, supplierID int64, row PriceRow) error
	MarkPriceListProcessed(ctx context.Context, priceListID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("pricing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetPriceList fetches the list header and its validated rows.
func (r *Repository) GetPriceList(ctx context.Context, id int64) (PriceList, []PriceRow, error) {
	if r == nil {
		return PriceList{}, nil, errors.New("pricing repository not initialised")
	}
	var list PriceList
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, supplier_id, status, uploaded_at FROM price_lists WHERE id=$1`, id).
		Scan(&list.ID, &list.SupplierID, &status, &list.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PriceList{}, nil, ErrPriceListNotFound
		}
		return PriceList{}, nil, err
	}
	list.Status = PriceListStatus(status)

	rows, err := r.pool.Query(ctx, `SELECT sku, unit_price, currency, min_quantity
FROM price_list_rows WHERE price_list_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return PriceList{}, nil, err
	}
	defer rows.Close()
	var priceRows []PriceRow
	for rows.Next() {
		var row PriceRow
		var price string
		if err := rows.Scan(&row.SKU, &price, &row.Currency, &row.MinQuantity); err != nil {
			return PriceList{}, nil, err
		}
		row.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return PriceList{}, nil, err
		}
		priceRows = append(priceRows, row)
	}
	if err := rows.Err(); err != nil {
		return PriceList{}, nil, err
	}
	return list, priceRows, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetProductBySKU fetches one supplier product by SKU.
func (r *Repository) GetProductBySKU(ctx context.Context, supplierID int64, sku string) (Product, error) {
	if r == nil {
		return Product{}, errors.New("pricing repository not initialised")
	}
	return getProductBySKU(ctx, r.pool, supplierID, sku)
}

func getProductBySKU(ctx context.Context, q rowQuerier, supplierID int64, sku string) (Product, error) {
	var p Product
	err := q.QueryRow(ctx, `SELECT id, sku, supplier_id, name, cost_price, created_at, updated_at
FROM products WHERE supplier_id=$1 AND sku=$2`, supplierID, sku).
		Scan(&p.ID, &p.SKU, &p.SupplierID, &p.Name, &p.CostPrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// LatestActivePrice returns the newest active price row for a SKU.
func (r *Repository) LatestActivePrice(ctx context.Context, sku string) (float64, bool, error) {
	if r == nil {
		return 0, false, errors.New("pricing repository not initialised")
	}
	var price float64
	err := r.pool.QueryRow(ctx, `SELECT ap.unit_price FROM active_prices ap WHERE ap.sku=$1 ORDER BY ap.updated_at DESC LIMIT 1`, sku).
		Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return price, true, nil
}

func (r *txRepository) GetProductBySKU(ctx context.Context, supplierID int64, sku string) (Product, error) {
	return getProductBySKU(ctx, r.tx, supplierID, sku)
}

func (r *txRepository) CreateProduct(ctx context.Context, product Product) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO products (sku, supplier_id, name, cost_price, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW()) RETURNING id`,
		product.SKU, product.SupplierID, product.Name, product.CostPrice).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateProductCost(ctx context.Context, productID int64, costPrice float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE products SET cost_price=$2, updated_at=NOW() WHERE id=$1`, productID, costPrice)
	return err
}

func (r *txRepository) UpsertActivePrice(ctx context.Context, supplierID int64, row PriceRow) error {
	price, _ := row.UnitPrice.Float64()
	_, err := r.tx.Exec(ctx, `INSERT INTO active_prices (supplier_id, sku, unit_price, currency, min_quantity, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (supplier_id, sku) DO UPDATE SET unit_price=EXCLUDED.unit_price, currency=EXCLUDED.currency,
min_quantity=EXCLUDED.min_quantity, updated_at=NOW()`,
		supplierID, row.SKU, price, row.Currency, row.MinQuantity)
	return err
}

func (r *txRepository) MarkPriceListProcessed(ctx context.Context, priceListID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE price_lists SET status='processed' WHERE id=$1`, priceListID)
	return err
}
