package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	s *Store
}

func cloneOrder(o *order.Order) *order.Order {
	out := *o
	out.Items = slices.Clone(o.Items)
	return &out
}

func (r *OrderRepository) Create(_ context.Context, o *order.Order, holdUntil time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	hs := make([]hold, 0, len(o.Items))
	for _, it := range o.Items {
		k := stockKey{productID: it.ProductID, branchID: o.BranchID}
		available := 0
		if rec, ok := r.s.stock[k]; ok {
			available = max(rec.Quantity-r.s.heldLocked(k, now), 0)
		}
		if available < it.Quantity {
			return &apperr.InsufficientStockError{
				ProductID:   it.ProductID,
				ProductName: it.ProductName,
				BranchID:    o.BranchID,
				Requested:   it.Quantity,
				Available:   available,
			}
		}
		hs = append(hs, hold{stockKey: k, quantity: it.Quantity, expiresAt: holdUntil})
	}

	r.s.orders[o.ID] = cloneOrder(o)
	r.s.holds[o.ID] = hs
	return nil
}

func (r *OrderRepository) GetByID(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return r.withBranchLocked(o), nil
}

func (r *OrderRepository) GetByCheckoutID(_ context.Context, checkoutRequestID string) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, o := range r.s.orders {
		if o.CheckoutRequestID != "" && o.CheckoutRequestID == checkoutRequestID {
			return r.withBranchLocked(o), nil
		}
	}
	return nil, apperr.NotFound("order with checkout request", checkoutRequestID)
}

func (r *OrderRepository) withBranchLocked(o *order.Order) *order.Order {
	out := cloneOrder(o)
	if b, ok := r.s.branches[o.BranchID]; ok {
		out.BranchName = b.Name
	}
	return out
}

func (r *OrderRepository) List(_ context.Context, f order.ListFilter) ([]order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]order.Order, 0)
	for _, o := range r.s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		out = append(out, *r.withBranchLocked(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *OrderRepository) AttachCheckout(_ context.Context, id, checkoutRequestID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return apperr.NotFound("order", id)
	}
	o.CheckoutRequestID = checkoutRequestID
	o.UpdatedAt = at
	return nil
}

func (r *OrderRepository) MarkFailed(_ context.Context, id, reason string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return false, apperr.NotFound("order", id)
	}
	if o.PaymentStatus != order.StatusPending {
		return false, nil
	}
	o.PaymentStatus = order.StatusFailed
	o.FailureReason = reason
	o.UpdatedAt = at
	delete(r.s.holds, id)
	return true, nil
}

func (r *OrderRepository) Settle(_ context.Context, st order.Settlement) (*order.SettleResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[st.OrderID]
	if !ok {
		return nil, apperr.NotFound("order", st.OrderID)
	}
	if !st.Source.Settles(o.PaymentStatus) {
		return &order.SettleResult{
			Order:            r.withBranchLocked(o),
			Skipped:          true,
			AlreadyCompleted: o.PaymentStatus == order.StatusCompleted,
		}, nil
	}

	adjustments := make([]order.StockAdjustment, 0, len(o.Items))
	for _, it := range o.Items {
		adj := order.StockAdjustment{ProductID: it.ProductID, BranchID: o.BranchID, Requested: it.Quantity}
		rec, ok := r.s.stock[stockKey{productID: it.ProductID, branchID: o.BranchID}]
		if !ok {
			adj.Missing = true
		} else {
			adj.Applied = min(rec.Quantity, it.Quantity)
			rec.Quantity -= adj.Applied
			rec.UpdatedAt = st.At
		}
		adjustments = append(adjustments, adj)
	}

	o.PaymentStatus = order.StatusCompleted
	o.ReceiptNumber = st.ReceiptNumber
	o.FailureReason = ""
	o.UpdatedAt = st.At
	delete(r.s.holds, o.ID)

	tx, ok := r.s.transactions[o.ID]
	if !ok {
		tx = order.Transaction{
			ID:                uuid.New().String(),
			OrderID:           o.ID,
			ReceiptNumber:     st.ReceiptNumber,
			PhoneNumber:       st.PhoneNumber,
			Amount:            st.Amount,
			CheckoutRequestID: st.CheckoutRequestID,
			Status:            order.TransactionSuccess,
			Source:            st.Source,
			CreatedAt:         st.At,
		}
		r.s.transactions[o.ID] = tx
	}

	return &order.SettleResult{
		Order:       r.withBranchLocked(o),
		Transaction: &tx,
		Adjustments: adjustments,
	}, nil
}

func (r *OrderRepository) ProductHasOrders(_ context.Context, productID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, o := range r.s.orders {
		for _, it := range o.Items {
			if it.ProductID == productID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *OrderRepository) BranchHasOrders(_ context.Context, branchID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, o := range r.s.orders {
		if o.BranchID == branchID {
			return true, nil
		}
	}
	return false, nil
}
