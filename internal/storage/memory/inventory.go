package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

var (
	_ inventory.Repository = (*InventoryRepository)(nil)
	_ branch.StockSeeder   = (*InventoryRepository)(nil)
	_ product.StockSeeder  = (*InventoryRepository)(nil)
)

// InventoryRepository implements inventory.Repository and the catalog
// stock seeders.
type InventoryRepository struct {
	s *Store
}

func (r *InventoryRepository) Get(_ context.Context, productID, branchID string) (*inventory.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	k := stockKey{productID: productID, branchID: branchID}
	rec, ok := r.s.stock[k]
	if !ok {
		return nil, apperr.NotFound("inventory", productID+"@"+branchID)
	}
	out := *rec
	out.Held = r.s.heldLocked(k, r.s.now())
	return &out, nil
}

func (r *InventoryRepository) List(_ context.Context, f inventory.Filter) ([]inventory.Entry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	now := r.s.now()
	out := make([]inventory.Entry, 0, len(r.s.stock))
	for k, rec := range r.s.stock {
		if f.BranchID != "" && k.branchID != f.BranchID {
			continue
		}
		e := inventory.Entry{Record: *rec}
		e.Held = r.s.heldLocked(k, now)
		if p, ok := r.s.products[k.productID]; ok {
			e.ProductName = p.Name
			e.Brand = p.Brand
			e.Category = p.Category
			e.Price = p.Price
			e.Image = p.Image
		}
		if b, ok := r.s.branches[k.branchID]; ok {
			e.BranchName = b.Name
			e.BranchLocation = b.Location
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchName != out[j].BranchName {
			return out[i].BranchName < out[j].BranchName
		}
		return out[i].ProductName < out[j].ProductName
	})
	return out, nil
}

func (r *InventoryRepository) Restock(_ context.Context, productID, branchID string, qty int, at time.Time) (*inventory.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.stock[stockKey{productID: productID, branchID: branchID}]
	if !ok {
		return nil, apperr.NotFound("inventory", productID+"@"+branchID)
	}
	rec.Quantity += qty
	rec.LastRestocked = &at
	rec.UpdatedAt = at
	out := *rec
	return &out, nil
}

func (r *InventoryRepository) Set(_ context.Context, productID, branchID string, qty int, at time.Time) (*inventory.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k := stockKey{productID: productID, branchID: branchID}
	rec, ok := r.s.stock[k]
	if !ok {
		rec = &inventory.Record{ProductID: productID, BranchID: branchID}
		r.s.stock[k] = rec
	}
	rec.Quantity = qty
	rec.UpdatedAt = at
	out := *rec
	return &out, nil
}

func (r *InventoryRepository) Deduct(_ context.Context, productID, branchID string, qty int, at time.Time) (*inventory.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.stock[stockKey{productID: productID, branchID: branchID}]
	if !ok {
		return nil, apperr.NotFound("inventory", productID+"@"+branchID)
	}
	if rec.Quantity < qty {
		return nil, &apperr.InsufficientStockError{
			ProductID: productID,
			BranchID:  branchID,
			Requested: qty,
			Available: rec.Quantity,
		}
	}
	rec.Quantity -= qty
	rec.UpdatedAt = at
	out := *rec
	return &out, nil
}

func (r *InventoryRepository) SeedBranch(_ context.Context, branchID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now().UTC()
	for pid := range r.s.products {
		r.ensureLocked(stockKey{productID: pid, branchID: branchID}, now)
	}
	return nil
}

func (r *InventoryRepository) SeedProduct(_ context.Context, productID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now().UTC()
	for bid := range r.s.branches {
		r.ensureLocked(stockKey{productID: productID, branchID: bid}, now)
	}
	return nil
}

func (r *InventoryRepository) ensureLocked(k stockKey, now time.Time) {
	if _, ok := r.s.stock[k]; ok {
		return
	}
	r.s.stock[k] = &inventory.Record{ProductID: k.productID, BranchID: k.branchID, UpdatedAt: now}
}

func (r *InventoryRepository) RemoveBranch(_ context.Context, branchID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for k := range r.s.stock {
		if k.branchID == branchID {
			delete(r.s.stock, k)
		}
	}
	return nil
}

func (r *InventoryRepository) RemoveProduct(_ context.Context, productID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for k := range r.s.stock {
		if k.productID == productID {
			delete(r.s.stock, k)
		}
	}
	return nil
}
