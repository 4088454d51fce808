package product

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
)

// DefaultCategory is assigned when a product is created without one.
const DefaultCategory = "General"

var maxPrice = decimal.NewFromInt(100000)

// Product represents a catalog item available for purchase.
type Product struct {
	ID        string
	Name      string
	Brand     string
	Category  string
	Price     decimal.Decimal
	Image     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Input holds the mutable product fields.
type Input struct {
	Name     string
	Brand    string
	Category string
	Price    decimal.Decimal
	Image    string
}

// Normalize trims fields and applies the default category.
func (in *Input) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Brand = strings.TrimSpace(in.Brand)
	in.Category = strings.TrimSpace(in.Category)
	in.Image = strings.TrimSpace(in.Image)
	if in.Category == "" {
		in.Category = DefaultCategory
	}
}

// Validate checks normalized input.
func (in *Input) Validate() error {
	if len(in.Name) < 3 {
		return apperr.Invalid("name", "must be at least 3 characters")
	}
	if len(in.Brand) < 2 {
		return apperr.Invalid("brand", "must be at least 2 characters")
	}
	if !in.Price.IsPositive() {
		return apperr.Invalid("price", "must be greater than 0")
	}
	if in.Price.GreaterThan(maxPrice) {
		return apperr.Invalid("price", "must not exceed 100000")
	}
	return nil
}

// Repository persists the product catalog. Lookups by id return
// *apperr.NotFoundError; GetByIDs silently omits unknown ids.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	Create(ctx context.Context, p *Product) error
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id string) error
}

// StockSeeder maintains the per-product inventory rows.
type StockSeeder interface {
	// SeedProduct creates a zero-quantity record for the product in every branch.
	SeedProduct(ctx context.Context, productID string) error
	// RemoveProduct deletes every inventory record of the product.
	RemoveProduct(ctx context.Context, productID string) error
}

// UsageChecker reports whether orders reference a product.
type UsageChecker interface {
	ProductHasOrders(ctx context.Context, productID string) (bool, error)
}

// Service implements catalog administration.
type Service struct {
	products Repository
	stock    StockSeeder
	orders   UsageChecker
	now      func() time.Time
}

// NewService creates a product Service.
func NewService(products Repository, stock StockSeeder, orders UsageChecker) *Service {
	return &Service{products: products, stock: stock, orders: orders, now: time.Now}
}

// List returns the whole catalog.
func (s *Service) List(ctx context.Context) ([]Product, error) {
	return s.products.List(ctx)
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	return s.products.GetByID(ctx, id)
}

// Create validates and stores a new product, then opens an empty inventory
// record for it in every branch.
func (s *Service) Create(ctx context.Context, in Input) (*Product, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Product{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Brand:     in.Brand,
		Category:  in.Category,
		Price:     in.Price,
		Image:     in.Image,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.products.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create product")
	}
	if err := s.stock.SeedProduct(ctx, p.ID); err != nil {
		return nil, errors.Wrap(err, "seed product inventory")
	}
	return p, nil
}

// Update replaces the mutable fields of an existing product. Prices already
// captured on orders are unaffected.
func (s *Service) Update(ctx context.Context, id string, in Input) (*Product, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = in.Name
	p.Brand = in.Brand
	p.Category = in.Category
	p.Price = in.Price
	p.Image = in.Image
	p.UpdatedAt = s.now().UTC()

	if err := s.products.Update(ctx, p); err != nil {
		return nil, errors.Wrap(err, "update product")
	}
	return p, nil
}

// Delete removes a product and its inventory. Products on orders are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.products.GetByID(ctx, id); err != nil {
		return err
	}
	used, err := s.orders.ProductHasOrders(ctx, id)
	if err != nil {
		return errors.Wrap(err, "check product orders")
	}
	if used {
		return apperr.Conflict("product %s is referenced by orders and cannot be deleted", id)
	}
	if err := s.stock.RemoveProduct(ctx, id); err != nil {
		return errors.Wrap(err, "remove product inventory")
	}
	if err := s.products.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete product")
	}
	return nil
}
