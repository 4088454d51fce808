package branch

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
)

var codeRe = regexp.MustCompile(`^[A-Z0-9-]{3,10}$`)

// Branch is a physical retail location holding its own inventory.
type Branch struct {
	ID            string
	Name          string
	Location      string
	Code          string
	IsHeadquarter bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Input holds the mutable branch fields.
type Input struct {
	Name          string
	Location      string
	Code          string
	IsHeadquarter bool
}

// Normalize trims fields and upper-cases the branch code.
func (in *Input) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
}

// Validate checks normalized input.
func (in *Input) Validate() error {
	if len(in.Name) < 3 {
		return apperr.Invalid("name", "must be at least 3 characters")
	}
	if len(in.Location) < 2 {
		return apperr.Invalid("location", "must be at least 2 characters")
	}
	if !codeRe.MatchString(in.Code) {
		return apperr.Invalid("code", "must be 3-10 uppercase letters, digits or dashes")
	}
	return nil
}

// Repository persists branches. Create and Update return *apperr.ConflictError
// on a duplicate code; lookups return *apperr.NotFoundError.
type Repository interface {
	List(ctx context.Context) ([]Branch, error)
	GetByID(ctx context.Context, id string) (*Branch, error)
	Create(ctx context.Context, b *Branch) error
	Update(ctx context.Context, b *Branch) error
	Delete(ctx context.Context, id string) error
}

// StockSeeder maintains the per-branch inventory rows.
type StockSeeder interface {
	// SeedBranch creates a zero-quantity record for every product at the branch.
	SeedBranch(ctx context.Context, branchID string) error
	// RemoveBranch deletes every inventory record of the branch.
	RemoveBranch(ctx context.Context, branchID string) error
}

// UsageChecker reports whether orders reference a branch.
type UsageChecker interface {
	BranchHasOrders(ctx context.Context, branchID string) (bool, error)
}

// Service implements branch administration.
type Service struct {
	branches Repository
	stock    StockSeeder
	orders   UsageChecker
	now      func() time.Time
}

// NewService creates a branch Service.
func NewService(branches Repository, stock StockSeeder, orders UsageChecker) *Service {
	return &Service{branches: branches, stock: stock, orders: orders, now: time.Now}
}

// List returns all branches.
func (s *Service) List(ctx context.Context) ([]Branch, error) {
	return s.branches.List(ctx)
}

// Get returns a branch by id.
func (s *Service) Get(ctx context.Context, id string) (*Branch, error) {
	return s.branches.GetByID(ctx, id)
}

// Create validates and stores a new branch, then opens an empty inventory
// record for every product.
func (s *Service) Create(ctx context.Context, in Input) (*Branch, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &Branch{
		ID:            uuid.New().String(),
		Name:          in.Name,
		Location:      in.Location,
		Code:          in.Code,
		IsHeadquarter: in.IsHeadquarter,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.branches.Create(ctx, b); err != nil {
		return nil, errors.Wrap(err, "create branch")
	}
	if err := s.stock.SeedBranch(ctx, b.ID); err != nil {
		return nil, errors.Wrap(err, "seed branch inventory")
	}
	return b, nil
}

// Update replaces the mutable fields of an existing branch.
func (s *Service) Update(ctx context.Context, id string, in Input) (*Branch, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	b, err := s.branches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Name = in.Name
	b.Location = in.Location
	b.Code = in.Code
	b.IsHeadquarter = in.IsHeadquarter
	b.UpdatedAt = s.now().UTC()

	if err := s.branches.Update(ctx, b); err != nil {
		return nil, errors.Wrap(err, "update branch")
	}
	return b, nil
}

// Delete removes a branch and its inventory. Branches with orders are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.branches.GetByID(ctx, id); err != nil {
		return err
	}
	used, err := s.orders.BranchHasOrders(ctx, id)
	if err != nil {
		return errors.Wrap(err, "check branch orders")
	}
	if used {
		return apperr.Conflict("branch %s has orders and cannot be deleted", id)
	}
	if err := s.stock.RemoveBranch(ctx, id); err != nil {
		return errors.Wrap(err, "remove branch inventory")
	}
	if err := s.branches.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete branch")
	}
	return nil
}
