package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

// Adjustment identifies a stock change requested by an administrator.
type Adjustment struct {
	ProductID string
	BranchID  string
	Quantity  int
}

func (a *Adjustment) normalize() {
	a.ProductID = strings.TrimSpace(a.ProductID)
	a.BranchID = strings.TrimSpace(a.BranchID)
}

func (a *Adjustment) validateKey() error {
	if a.ProductID == "" {
		return apperr.Invalid("productId", "required")
	}
	if a.BranchID == "" {
		return apperr.Invalid("branchId", "required")
	}
	return nil
}

// Service implements the administrative stock operations. The payment flow
// does not go through it; settlement adjusts stock inside the order store.
type Service struct {
	records  Repository
	products product.Repository
	branches branch.Repository
	now      func() time.Time
}

// NewService creates an inventory Service.
func NewService(records Repository, products product.Repository, branches branch.Repository) *Service {
	return &Service{records: records, products: products, branches: branches, now: time.Now}
}

// List returns inventory joined with product and branch details.
func (s *Service) List(ctx context.Context, f Filter) ([]Entry, error) {
	f.BranchID = strings.TrimSpace(f.BranchID)
	return s.records.List(ctx, f)
}

// Restock increases stock by a positive quantity and stamps the restock time.
func (s *Service) Restock(ctx context.Context, a Adjustment) (*Record, error) {
	a.normalize()
	if err := a.validateKey(); err != nil {
		return nil, err
	}
	if a.Quantity <= 0 {
		return nil, apperr.Invalid("quantity", "must be greater than 0")
	}

	rec, err := s.records.Restock(ctx, a.ProductID, a.BranchID, a.Quantity, s.now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "restock")
	}
	zctx.From(ctx).Info("Inventory restocked",
		zap.String("product_id", a.ProductID),
		zap.String("branch_id", a.BranchID),
		zap.Int("added", a.Quantity),
		zap.Int("quantity", rec.Quantity),
	)
	return rec, nil
}

// Set overwrites stock with an absolute, non-negative quantity, creating the
// record when the product has none at the branch yet.
func (s *Service) Set(ctx context.Context, a Adjustment) (*Record, error) {
	a.normalize()
	if err := a.validateKey(); err != nil {
		return nil, err
	}
	if a.Quantity < 0 {
		return nil, apperr.Invalid("quantity", "must not be negative")
	}
	if _, err := s.products.GetByID(ctx, a.ProductID); err != nil {
		return nil, err
	}
	if _, err := s.branches.GetByID(ctx, a.BranchID); err != nil {
		return nil, err
	}

	rec, err := s.records.Set(ctx, a.ProductID, a.BranchID, a.Quantity, s.now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "set stock")
	}
	zctx.From(ctx).Info("Inventory set",
		zap.String("product_id", a.ProductID),
		zap.String("branch_id", a.BranchID),
		zap.Int("quantity", rec.Quantity),
	)
	return rec, nil
}

// Deduct decreases stock by a positive quantity, rejecting the change when
// the record holds less than requested.
func (s *Service) Deduct(ctx context.Context, a Adjustment) (*Record, error) {
	a.normalize()
	if err := a.validateKey(); err != nil {
		return nil, err
	}
	if a.Quantity <= 0 {
		return nil, apperr.Invalid("quantity", "must be greater than 0")
	}

	rec, err := s.records.Deduct(ctx, a.ProductID, a.BranchID, a.Quantity, s.now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "deduct stock")
	}
	zctx.From(ctx).Info("Inventory deducted",
		zap.String("product_id", a.ProductID),
		zap.String("branch_id", a.BranchID),
		zap.Int("removed", a.Quantity),
		zap.Int("quantity", rec.Quantity),
	)
	return rec, nil
}
