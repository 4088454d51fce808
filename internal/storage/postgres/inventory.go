package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

// heldExpr sums unexpired holds of pending orders for the inventory row aliased i.
const heldExpr = `COALESCE((
		SELECT SUM(h.quantity)
		FROM stock_holds h
		JOIN orders o ON o.id = h.order_id
		WHERE h.product_id = i.product_id AND h.branch_id = i.branch_id
		  AND h.expires_at > now() AND o.payment_status = 'pending'
	), 0)`

const (
	getInventorySQL = `SELECT i.product_id, i.branch_id, i.quantity, ` + heldExpr + `, i.last_restocked, i.updated_at
		FROM inventory i WHERE i.product_id = $1 AND i.branch_id = $2`

	listInventorySQL = `SELECT i.product_id, i.branch_id, i.quantity, ` + heldExpr + `, i.last_restocked, i.updated_at,
			p.name, p.brand, p.category, p.price, p.image, b.name, b.location
		FROM inventory i
		JOIN products p ON p.id = i.product_id
		JOIN branches b ON b.id = i.branch_id
		WHERE ($1 = '' OR i.branch_id = $1)
		ORDER BY b.name, p.name`

	returningRecord = ` RETURNING product_id, branch_id, quantity, 0, last_restocked, updated_at`

	restockSQL = `UPDATE inventory SET quantity = quantity + $3, last_restocked = $4, updated_at = $4
		WHERE product_id = $1 AND branch_id = $2` + returningRecord

	setSQL = `INSERT INTO inventory (product_id, branch_id, quantity, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, branch_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at` +
		returningRecord

	deductSQL = `UPDATE inventory SET quantity = quantity - $3, updated_at = $4
		WHERE product_id = $1 AND branch_id = $2 AND quantity >= $3` + returningRecord

	quantitySQL = `SELECT quantity FROM inventory WHERE product_id = $1 AND branch_id = $2`

	seedBranchSQL = `INSERT INTO inventory (product_id, branch_id, quantity, updated_at)
		SELECT id, $1, 0, now() FROM products
		ON CONFLICT (product_id, branch_id) DO NOTHING`

	seedProductSQL = `INSERT INTO inventory (product_id, branch_id, quantity, updated_at)
		SELECT $1, id, 0, now() FROM branches
		ON CONFLICT (product_id, branch_id) DO NOTHING`

	removeBranchStockSQL  = `DELETE FROM inventory WHERE branch_id = $1`
	removeProductStockSQL = `DELETE FROM inventory WHERE product_id = $1`
)

var (
	_ inventory.Repository = (*InventoryRepository)(nil)
	_ branch.StockSeeder   = (*InventoryRepository)(nil)
	_ product.StockSeeder  = (*InventoryRepository)(nil)
)

// InventoryRepository implements inventory.Repository and the catalog stock
// seeders backed by PostgreSQL.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository returns an InventoryRepository that uses the given pool.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

func notFoundStock(productID, branchID string) error {
	return apperr.NotFound("inventory", productID+"@"+branchID)
}

func (r *InventoryRepository) Get(ctx context.Context, productID, branchID string) (*inventory.Record, error) {
	return r.one(ctx, getInventorySQL, productID, branchID)
}

func (r *InventoryRepository) one(ctx context.Context, sql, productID, branchID string, args ...any) (*inventory.Record, error) {
	rows, err := r.pool.Query(ctx, sql, append([]any{productID, branchID}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "query inventory")
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFoundStock(productID, branchID)
		}
		return nil, errors.Wrap(err, "scan inventory")
	}
	return &rec, nil
}

func (r *InventoryRepository) List(ctx context.Context, f inventory.Filter) ([]inventory.Entry, error) {
	rows, err := r.pool.Query(ctx, listInventorySQL, f.BranchID)
	if err != nil {
		return nil, errors.Wrap(err, "list inventory")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Entry, error) {
		var e inventory.Entry
		err := row.Scan(
			&e.ProductID, &e.BranchID, &e.Quantity, &e.Held, &e.LastRestocked, &e.UpdatedAt,
			&e.ProductName, &e.Brand, &e.Category, &e.Price, &e.Image, &e.BranchName, &e.BranchLocation,
		)
		return e, err
	})
}

func (r *InventoryRepository) Restock(ctx context.Context, productID, branchID string, qty int, at time.Time) (*inventory.Record, error) {
	return r.one(ctx, restockSQL, productID, branchID, qty, at)
}

func (r *InventoryRepository) Set(ctx context.Context, productID, branchID string, qty int, at time.Time) (*inventory.Record, error) {
	return r.one(ctx, setSQL, productID, branchID, qty, at)
}

// Deduct lowers stock only when the row covers qty; the guard lives in the
// UPDATE so concurrent deductions cannot drive quantity negative.
func (r *InventoryRepository) Deduct(ctx context.Context, productID, branchID string, qty int, at time.Time) (*inventory.Record, error) {
	rec, err := r.one(ctx, deductSQL, productID, branchID, qty, at)
	if err == nil {
		return rec, nil
	}
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}

	var current int
	if err := r.pool.QueryRow(ctx, quantitySQL, productID, branchID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFoundStock(productID, branchID)
		}
		return nil, errors.Wrap(err, "read inventory")
	}
	return nil, &apperr.InsufficientStockError{
		ProductID: productID,
		BranchID:  branchID,
		Requested: qty,
		Available: current,
	}
}

func (r *InventoryRepository) SeedBranch(ctx context.Context, branchID string) error {
	if _, err := r.pool.Exec(ctx, seedBranchSQL, branchID); err != nil {
		return errors.Wrapf(err, "seed inventory for branch %q", branchID)
	}
	return nil
}

func (r *InventoryRepository) SeedProduct(ctx context.Context, productID string) error {
	if _, err := r.pool.Exec(ctx, seedProductSQL, productID); err != nil {
		return errors.Wrapf(err, "seed inventory for product %q", productID)
	}
	return nil
}

func (r *InventoryRepository) RemoveBranch(ctx context.Context, branchID string) error {
	if _, err := r.pool.Exec(ctx, removeBranchStockSQL, branchID); err != nil {
		return errors.Wrapf(err, "remove inventory for branch %q", branchID)
	}
	return nil
}

func (r *InventoryRepository) RemoveProduct(ctx context.Context, productID string) error {
	if _, err := r.pool.Exec(ctx, removeProductStockSQL, productID); err != nil {
		return errors.Wrapf(err, "remove inventory for product %q", productID)
	}
	return nil
}

func scanRecord(row pgx.CollectableRow) (inventory.Record, error) {
	var rec inventory.Record
	err := row.Scan(&rec.ProductID, &rec.BranchID, &rec.Quantity, &rec.Held, &rec.LastRestocked, &rec.UpdatedAt)
	return rec, err
}
