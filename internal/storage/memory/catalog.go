package memory

import (
	"context"
	"sort"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

var (
	_ branch.Repository  = (*BranchRepository)(nil)
	_ product.Repository = (*ProductRepository)(nil)
)

// BranchRepository implements branch.Repository.
type BranchRepository struct {
	s *Store
}

func (r *BranchRepository) List(_ context.Context) ([]branch.Branch, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]branch.Branch, 0, len(r.s.branches))
	for _, b := range r.s.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *BranchRepository) GetByID(_ context.Context, id string) (*branch.Branch, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	b, ok := r.s.branches[id]
	if !ok {
		return nil, apperr.NotFound("branch", id)
	}
	return &b, nil
}

func (r *BranchRepository) Create(_ context.Context, b *branch.Branch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.checkCodeLocked(b); err != nil {
		return err
	}
	r.s.branches[b.ID] = *b
	return nil
}

func (r *BranchRepository) Update(_ context.Context, b *branch.Branch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.branches[b.ID]; !ok {
		return apperr.NotFound("branch", b.ID)
	}
	if err := r.checkCodeLocked(b); err != nil {
		return err
	}
	r.s.branches[b.ID] = *b
	return nil
}

func (r *BranchRepository) checkCodeLocked(b *branch.Branch) error {
	for _, existing := range r.s.branches {
		if existing.ID != b.ID && existing.Code == b.Code {
			return apperr.Conflict("branch code %s already exists", b.Code)
		}
	}
	return nil
}

func (r *BranchRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.branches[id]; !ok {
		return apperr.NotFound("branch", id)
	}
	delete(r.s.branches, id)
	return nil
}

// ProductRepository implements product.Repository.
type ProductRepository struct {
	s *Store
}

func (r *ProductRepository) List(_ context.Context) ([]product.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]product.Product, 0, len(r.s.products))
	for _, p := range r.s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Brand != out[j].Brand {
			return out[i].Brand < out[j].Brand
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *ProductRepository) GetByID(_ context.Context, id string) (*product.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.products[id]
	if !ok {
		return nil, apperr.NotFound("product", id)
	}
	return &p, nil
}

func (r *ProductRepository) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *ProductRepository) Create(_ context.Context, p *product.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.products[p.ID] = *p
	return nil
}

func (r *ProductRepository) Update(_ context.Context, p *product.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.products[p.ID]; !ok {
		return apperr.NotFound("product", p.ID)
	}
	r.s.products[p.ID] = *p
	return nil
}

func (r *ProductRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.products[id]; !ok {
		return apperr.NotFound("product", id)
	}
	delete(r.s.products, id)
	return nil
}
