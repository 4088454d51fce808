package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

const (
	branchColumns = `id, name, location, code, is_headquarter, created_at, updated_at`

	listBranchesSQL  = `SELECT ` + branchColumns + ` FROM branches ORDER BY name`
	getBranchByIDSQL = `SELECT ` + branchColumns + ` FROM branches WHERE id = $1`
	insertBranchSQL  = `INSERT INTO branches (` + branchColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	updateBranchSQL  = `UPDATE branches SET name = $2, location = $3, code = $4, is_headquarter = $5, updated_at = $6
		WHERE id = $1`
	deleteBranchSQL = `DELETE FROM branches WHERE id = $1`

	productColumns = `id, name, brand, category, price, image, created_at, updated_at`

	listProductsSQL     = `SELECT ` + productColumns + ` FROM products ORDER BY brand, name`
	getProductByIDSQL   = `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`
	insertProductSQL    = `INSERT INTO products (` + productColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	updateProductSQL    = `UPDATE products SET name = $2, brand = $3, category = $4, price = $5, image = $6, updated_at = $7
		WHERE id = $1`
	deleteProductSQL = `DELETE FROM products WHERE id = $1`
)

var (
	_ branch.Repository  = (*BranchRepository)(nil)
	_ product.Repository = (*ProductRepository)(nil)
)

// BranchRepository implements branch.Repository backed by PostgreSQL.
type BranchRepository struct {
	pool *pgxpool.Pool
}

// NewBranchRepository returns a BranchRepository that uses the given pool.
func NewBranchRepository(pool *pgxpool.Pool) *BranchRepository {
	return &BranchRepository{pool: pool}
}

func (r *BranchRepository) List(ctx context.Context) ([]branch.Branch, error) {
	rows, err := r.pool.Query(ctx, listBranchesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list branches")
	}
	return pgx.CollectRows(rows, scanBranch)
}

func (r *BranchRepository) GetByID(ctx context.Context, id string) (*branch.Branch, error) {
	rows, err := r.pool.Query(ctx, getBranchByIDSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get branch %q", id)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBranch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("branch", id)
		}
		return nil, errors.Wrapf(err, "get branch %q", id)
	}
	return &b, nil
}

func (r *BranchRepository) Create(ctx context.Context, b *branch.Branch) error {
	_, err := r.pool.Exec(ctx, insertBranchSQL,
		b.ID, b.Name, b.Location, b.Code, b.IsHeadquarter, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("branch code %s already exists", b.Code)
		}
		return errors.Wrapf(err, "insert branch %q", b.Code)
	}
	return nil
}

func (r *BranchRepository) Update(ctx context.Context, b *branch.Branch) error {
	tag, err := r.pool.Exec(ctx, updateBranchSQL, b.ID, b.Name, b.Location, b.Code, b.IsHeadquarter, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("branch code %s already exists", b.Code)
		}
		return errors.Wrapf(err, "update branch %q", b.ID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("branch", b.ID)
	}
	return nil
}

func (r *BranchRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteBranchSQL, id)
	if err != nil {
		return errors.Wrapf(err, "delete branch %q", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("branch", id)
	}
	return nil
}

func scanBranch(row pgx.CollectableRow) (branch.Branch, error) {
	var b branch.Branch
	err := row.Scan(&b.ID, &b.Name, &b.Location, &b.Code, &b.IsHeadquarter, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns the catalog ordered by brand and name.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("product", id)
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	return pgx.CollectRows(rows, scanProduct)
}

func (r *ProductRepository) Create(ctx context.Context, p *product.Product) error {
	_, err := r.pool.Exec(ctx, insertProductSQL,
		p.ID, p.Name, p.Brand, p.Category, p.Price, p.Image, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert product %q", p.Name)
	}
	return nil
}

func (r *ProductRepository) Update(ctx context.Context, p *product.Product) error {
	tag, err := r.pool.Exec(ctx, updateProductSQL, p.ID, p.Name, p.Brand, p.Category, p.Price, p.Image, p.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "update product %q", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("product", p.ID)
	}
	return nil
}

func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteProductSQL, id)
	if err != nil {
		return errors.Wrapf(err, "delete product %q", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("product", id)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		price decimal.Decimal
	)
	err := row.Scan(&p.ID, &p.Name, &p.Brand, &p.Category, &price, &p.Image, &p.CreatedAt, &p.UpdatedAt)
	p.Price = price
	return p, err
}
