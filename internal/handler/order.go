package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/mpesa"
)

// pushPrompt is returned when the provider accepted a push without a
// customer-facing message.
const pushPrompt = "Please complete payment on your phone"

type orderLineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type placeOrderRequest struct {
	BranchID    string             `json:"branchId"`
	PhoneNumber string             `json:"phoneNumber"`
	Items       []orderLineRequest `json:"items"`
}

type placeOrderResponse struct {
	Success           bool          `json:"success"`
	OrderID           string        `json:"orderId"`
	CheckoutRequestID string        `json:"checkoutRequestID"`
	Message           string        `json:"message"`
	Order             orderResponse `json:"order"`
}

type completeOrderRequest struct {
	OrderID string `json:"orderId"`
}

type completeOrderResponse struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	ReceiptNumber string        `json:"receiptNumber"`
	Order         orderResponse `json:"order"`
}

type paymentStatusResponse struct {
	Success             bool   `json:"success"`
	CheckoutRequestID   string `json:"checkoutRequestID"`
	ResponseCode        string `json:"responseCode,omitempty"`
	ResponseDescription string `json:"responseDescription,omitempty"`
	ResultCode          string `json:"resultCode,omitempty"`
	ResultDesc          string `json:"resultDesc,omitempty"`
}

// placeOrder converts the request to a domain request, delegates to the
// order service, and maps the result (or error) back to a response.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lines := make([]order.LineRequest, len(req.Items))
	for i, it := range req.Items {
		lines[i] = order.LineRequest{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	res, err := h.orders.PlaceOrder(r.Context(), identity(r), order.PlaceOrderRequest{
		BranchID:    req.BranchID,
		PhoneNumber: req.PhoneNumber,
		Items:       lines,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	msg := res.CustomerMessage
	if msg == "" {
		msg = pushPrompt
	}
	writeJSON(w, http.StatusOK, placeOrderResponse{
		Success:           true,
		OrderID:           res.Order.ID,
		CheckoutRequestID: res.Order.CheckoutRequestID,
		Message:           msg,
		Order:             toOrder(res.Order),
	})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.List(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]orderResponse, len(orders))
	for i := range orders {
		out[i] = toOrder(&orders[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": toOrder(o)})
}

func (h *Handler) orderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.orders.Status(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":       id,
		"paymentStatus": st,
	})
}

func (h *Handler) queryPayment(w http.ResponseWriter, r *http.Request) {
	st, err := h.orders.QueryPayment(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Success:             true,
		CheckoutRequestID:   st.CheckoutRequestID,
		ResponseCode:        st.ResponseCode,
		ResponseDescription: st.ResponseDescription,
		ResultCode:          st.ResultCode,
		ResultDesc:          st.ResultDesc,
	})
}

func (h *Handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	var req completeOrderRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.orders.CompleteManually(r.Context(), identity(r), req.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeOrderResponse{
		Success:       true,
		Message:       "payment completed manually",
		ReceiptNumber: res.Transaction.ReceiptNumber,
		Order:         toOrder(res.Order),
	})
}

// mpesaCallback acknowledges every provider notification with 200. Parse and
// processing failures are only logged; the provider's retries are unwanted.
func (h *Handler) mpesaCallback(w http.ResponseWriter, r *http.Request) {
	ack := successResponse{Success: true}
	lg := zctx.From(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		lg.Warn("Failed to read payment callback", zap.Error(err))
		writeJSON(w, http.StatusOK, ack)
		return
	}
	n, err := mpesa.ParseCallback(body)
	if err != nil {
		lg.Warn("Malformed payment callback", zap.Error(err), zap.Int("bytes", len(body)))
		writeJSON(w, http.StatusOK, ack)
		return
	}

	// Settlement must finish even if the provider drops the connection.
	outcome, err := h.orders.HandleNotification(context.WithoutCancel(r.Context()), n)
	if err != nil {
		lg.Error("Payment callback processing failed",
			zap.String("checkout_request_id", n.CheckoutRequestID),
			zap.Error(err),
		)
	} else {
		lg.Debug("Payment callback processed", zap.String("outcome", string(outcome)))
	}
	writeJSON(w, http.StatusOK, ack)
}
