package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

type productRequest struct {
	Name     string          `json:"name"`
	Brand    string          `json:"brand"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Image    string          `json:"image"`
}

func (p productRequest) input() product.Input {
	return product.Input{
		Name:     p.Name,
		Brand:    p.Brand,
		Category: p.Category,
		Price:    p.Price,
		Image:    p.Image,
	}
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]productResponse, len(products))
	for i := range products {
		out[i] = toProduct(&products[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": toProduct(p)})
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.products.Create(r.Context(), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"productId": p.ID,
		"product":   toProduct(p),
		"message":   "product created",
	})
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.products.Update(r.Context(), chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"product": toProduct(p),
		"message": "product updated",
	})
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.products.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "product deleted"})
}

type branchRequest struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	Code          string `json:"code"`
	IsHeadquarter bool   `json:"isHeadquarter"`
}

func (b branchRequest) input() branch.Input {
	return branch.Input{
		Name:          b.Name,
		Location:      b.Location,
		Code:          b.Code,
		IsHeadquarter: b.IsHeadquarter,
	}
}

func (h *Handler) listBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.branches.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]branchResponse, len(branches))
	for i := range branches {
		out[i] = toBranch(&branches[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": out})
}

func (h *Handler) getBranch(w http.ResponseWriter, r *http.Request) {
	b, err := h.branches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": toBranch(b)})
}

func (h *Handler) createBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.branches.Create(r.Context(), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"branchId": b.ID,
		"branch":   toBranch(b),
		"message":  "branch created",
	})
}

func (h *Handler) updateBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.branches.Update(r.Context(), chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"branch":  toBranch(b),
		"message": "branch updated",
	})
}

func (h *Handler) deleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := h.branches.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "branch deleted"})
}
