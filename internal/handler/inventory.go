package handler

import (
	"net/http"

	"github.com/xenking/soda-storefront/internal/domain/inventory"
)

type stockRequest struct {
	ProductID string `json:"productId"`
	BranchID  string `json:"branchId"`
	Quantity  int    `json:"quantity"`
}

func (s stockRequest) adjustment() inventory.Adjustment {
	return inventory.Adjustment{
		ProductID: s.ProductID,
		BranchID:  s.BranchID,
		Quantity:  s.Quantity,
	}
}

type stockEnvelope struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Inventory stockResponse `json:"inventory"`
}

func (h *Handler) listInventory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.inventory.List(r.Context(), inventory.Filter{
		BranchID: r.URL.Query().Get("branchId"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]inventoryEntryResponse, len(entries))
	for i := range entries {
		out[i] = toInventoryEntry(&entries[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": out})
}

// adjustStock decodes a stock request and applies op to it.
func (h *Handler) adjustStock(
	w http.ResponseWriter,
	r *http.Request,
	message string,
	op func(r *http.Request, a inventory.Adjustment) (*inventory.Record, error),
) {
	var req stockRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := op(r, req.adjustment())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stockEnvelope{
		Success:   true,
		Message:   message,
		Inventory: toStock(rec),
	})
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	h.adjustStock(w, r, "inventory restocked", func(r *http.Request, a inventory.Adjustment) (*inventory.Record, error) {
		return h.inventory.Restock(r.Context(), a)
	})
}

func (h *Handler) setStock(w http.ResponseWriter, r *http.Request) {
	h.adjustStock(w, r, "inventory updated", func(r *http.Request, a inventory.Adjustment) (*inventory.Record, error) {
		return h.inventory.Set(r.Context(), a)
	})
}

func (h *Handler) deductStock(w http.ResponseWriter, r *http.Request) {
	h.adjustStock(w, r, "inventory deducted", func(r *http.Request, a inventory.Adjustment) (*inventory.Record, error) {
		return h.inventory.Deduct(r.Context(), a)
	})
}
