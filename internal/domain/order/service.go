package order

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/auth"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/payment"
	"github.com/xenking/soda-storefront/internal/domain/product"
)

// ManualReference is stored as the provider reference of transactions for
// orders completed manually before any push was accepted.
const ManualReference = "MANUAL"

// ErrManualCompletionDisabled is returned by CompleteManually when the
// deployment has turned the escape hatch off.
var ErrManualCompletionDisabled = errors.New("manual completion is disabled")

// Config holds order flow settings.
type Config struct {
	// HoldTTL bounds how long intake holds stock for an unpaid order.
	HoldTTL time.Duration
	// ManualCompletion enables CompleteManually. Completing without a
	// provider confirmation is unsafe outside test deployments.
	ManualCompletion bool
	// Description is sent to the provider with every push.
	Description string
}

// LineRequest is one requested cart line.
type LineRequest struct {
	ProductID string
	Quantity  int
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	BranchID    string
	PhoneNumber string
	Items       []LineRequest
}

// PlaceOrderResult holds the output of a placed order whose payment prompt
// was accepted by the provider.
type PlaceOrderResult struct {
	Order           *Order
	CustomerMessage string
}

// Outcome classifies how a provider notification was handled.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeIgnored   Outcome = "ignored"
)

// Option configures optional Service collaborators.
type Option func(*Service)

// WithStatusCache sets the cache consulted by Status.
func WithStatusCache(c StatusCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithCallbackLog sets the processed-notification log.
func WithCallbackLog(l CallbackLog) Option {
	return func(s *Service) { s.callbacks = l }
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMeterProvider sets the meter provider for flow counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service encapsulates the order, payment and settlement flow.
type Service struct {
	cfg      Config
	products product.Repository
	branches branch.Repository
	stock    inventory.Repository
	orders   Repository
	gateway  payment.Gateway

	cache         StatusCache
	callbacks     CallbackLog
	events        Publisher
	meterProvider metric.MeterProvider
	metrics       *metrics
	now           func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	cfg Config,
	products product.Repository,
	branches branch.Repository,
	stock inventory.Repository,
	orders Repository,
	gateway payment.Gateway,
	opts ...Option,
) (*Service, error) {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 15 * time.Minute
	}
	if cfg.Description == "" {
		cfg.Description = "Supermarket Purchase"
	}
	s := &Service{
		cfg:           cfg,
		products:      products,
		branches:      branches,
		stock:         stock,
		orders:        orders,
		gateway:       gateway,
		events:        nopPublisher{},
		meterProvider: otel.GetMeterProvider(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	m, err := newMetrics(s.meterProvider.Meter("github.com/xenking/soda-storefront/internal/domain/order"))
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	s.metrics = m
	return s, nil
}

// PlaceOrder validates the cart against branch stock, stores a pending order
// holding the requested stock, and asks the provider to prompt the payer.
// When the provider refuses, the order is kept as failed and the holds are
// released.
func (s *Service) PlaceOrder(ctx context.Context, id auth.Identity, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := auth.Authorize(&id, auth.PlaceOrders); err != nil {
		return nil, err
	}

	lines, err := normalizeLines(req)
	if err != nil {
		return nil, err
	}
	phone, err := payment.ParsePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	branchID := strings.TrimSpace(req.BranchID)

	b, err := s.branches.GetByID(ctx, branchID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	productMap := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		productMap[p.ID] = p
	}

	items := make([]Item, 0, len(lines))
	total := decimal.Zero
	for _, l := range lines {
		p, ok := productMap[l.ProductID]
		if !ok {
			return nil, apperr.NotFound("product", l.ProductID)
		}
		if err := s.checkStock(ctx, p, branchID, l.Quantity); err != nil {
			return nil, err
		}

		subtotal := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		items = append(items, Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			Brand:       p.Brand,
			Quantity:    l.Quantity,
			Price:       p.Price,
			Subtotal:    subtotal,
		})
		total = total.Add(subtotal)
	}

	now := s.now().UTC()
	o := &Order{
		ID:            uuid.New().String(),
		UserID:        id.UserID,
		BranchID:      branchID,
		BranchName:    b.Name,
		Items:         items,
		TotalAmount:   total,
		PaymentStatus: StatusPending,
		PhoneNumber:   phone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.orders.Create(ctx, o, now.Add(s.cfg.HoldTTL)); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order created",
		zap.String("branch_id", branchID),
		zap.Int("lines", len(items)),
		zap.String("total", total.String()),
	)
	s.metrics.placed.Add(ctx, 1)
	s.remember(ctx, o.ID, o.UserID, StatusPending)
	s.publish(ctx, EventOrderPlaced, o.ID, OrderPlacedPayload{
		OrderID:     o.ID,
		UserID:      o.UserID,
		BranchID:    o.BranchID,
		Items:       o.Items,
		TotalAmount: o.TotalAmount,
	})

	resp, err := s.gateway.InitiatePush(ctx, payment.PushRequest{
		Phone:       phone,
		Amount:      total.Floor().IntPart(),
		Reference:   o.ID,
		Description: s.cfg.Description,
	})
	if err != nil {
		var pErr *apperr.ProviderError
		if !errors.As(err, &pErr) {
			err = &apperr.ProviderError{Op: "stk push", Err: err}
		}
		lg.Warn("Payment initiation failed", zap.Error(err))
		s.fail(context.WithoutCancel(ctx), o, err.Error())
		return nil, err
	}

	// The prompt is already on the payer's phone; record the reference even
	// if the client went away.
	if err := s.orders.AttachCheckout(context.WithoutCancel(ctx), o.ID, resp.CheckoutRequestID, s.now().UTC()); err != nil {
		// The callback for this push will not find the order; keep what is
		// needed to reconcile it by hand.
		lg.Error("Payment prompt sent but checkout reference not stored",
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.String("merchant_request_id", resp.MerchantRequestID),
			zap.Error(err),
		)
		return nil, errors.Wrap(err, "attach checkout reference")
	}
	o.CheckoutRequestID = resp.CheckoutRequestID
	lg.Info("Payment prompt sent", zap.String("checkout_request_id", resp.CheckoutRequestID))

	return &PlaceOrderResult{
		Order:           o,
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

// normalizeLines validates the cart and merges repeated products into a
// single line, keeping first-seen order.
func normalizeLines(req PlaceOrderRequest) ([]LineRequest, error) {
	if strings.TrimSpace(req.BranchID) == "" {
		return nil, apperr.Invalid("branchId", "required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Invalid("items", "at least one item is required")
	}

	lines := make([]LineRequest, 0, len(req.Items))
	index := make(map[string]int, len(req.Items))
	for _, it := range req.Items {
		pid := strings.TrimSpace(it.ProductID)
		if pid == "" {
			return nil, apperr.Invalid("productId", "required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Invalid("quantity", "must be greater than 0 for product "+pid)
		}
		if i, ok := index[pid]; ok {
			lines[i].Quantity += it.Quantity
			continue
		}
		index[pid] = len(lines)
		lines = append(lines, LineRequest{ProductID: pid, Quantity: it.Quantity})
	}
	return lines, nil
}

func (s *Service) checkStock(ctx context.Context, p product.Product, branchID string, qty int) error {
	rec, err := s.stock.Get(ctx, p.ID, branchID)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			return &apperr.InsufficientStockError{
				ProductID:   p.ID,
				ProductName: p.Name,
				BranchID:    branchID,
				Requested:   qty,
			}
		}
		return errors.Wrap(err, "get inventory")
	}
	if avail := rec.Available(); avail < qty {
		return &apperr.InsufficientStockError{
			ProductID:   p.ID,
			ProductName: p.Name,
			BranchID:    branchID,
			Requested:   qty,
			Available:   avail,
		}
	}
	return nil
}

// HandleNotification applies a provider result to the order it references.
// Redelivered notifications and notifications for unknown references change
// nothing. The returned error is for logging only; the provider must be
// acknowledged either way.
func (s *Service) HandleNotification(ctx context.Context, n *payment.Notification) (Outcome, error) {
	outcome, err := s.handleNotification(ctx, n)
	s.metrics.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome, err
}

func (s *Service) handleNotification(ctx context.Context, n *payment.Notification) (Outcome, error) {
	if n == nil || n.CheckoutRequestID == "" {
		return OutcomeIgnored, nil
	}
	lg := zctx.From(ctx).With(
		zap.String("checkout_request_id", n.CheckoutRequestID),
		zap.Int("result_code", n.ResultCode),
	)

	if s.callbacks != nil {
		seen, err := s.callbacks.Seen(ctx, n.CheckoutRequestID)
		if err != nil {
			lg.Warn("Callback log unavailable", zap.Error(err))
		} else if seen {
			lg.Info("Duplicate payment notification")
			return OutcomeDuplicate, nil
		}
	}

	o, err := s.orders.GetByCheckoutID(ctx, n.CheckoutRequestID)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			lg.Warn("Payment notification for unknown reference")
			return OutcomeUnknown, nil
		}
		return OutcomeIgnored, errors.Wrap(err, "find order")
	}
	lg = lg.With(zap.String("order_id", o.ID))

	var outcome Outcome
	if n.Succeeded() {
		amount, ok := n.Amount()
		if !ok {
			amount = o.TotalAmount
		} else if !amount.Equal(o.TotalAmount.Floor()) && !amount.Equal(o.TotalAmount) {
			lg.Warn("Paid amount differs from order total",
				zap.String("paid", amount.String()),
				zap.String("total", o.TotalAmount.String()),
			)
		}
		phone := n.Phone()
		if phone == "" {
			phone = o.PhoneNumber
		}

		res, err := s.settle(ctx, Settlement{
			OrderID:           o.ID,
			ReceiptNumber:     n.Receipt(),
			PhoneNumber:       phone,
			Amount:            amount,
			CheckoutRequestID: n.CheckoutRequestID,
			Source:            SourceCallback,
			At:                s.now().UTC(),
		})
		if err != nil {
			return OutcomeIgnored, err
		}
		switch {
		case res.AlreadyCompleted:
			outcome = OutcomeDuplicate
		case res.Skipped:
			// The payer was charged after the order gave up its holds.
			lg.Error("Payment confirmed for order that is no longer pending",
				zap.String("status", string(res.Order.PaymentStatus)),
				zap.String("receipt", n.Receipt()),
			)
			outcome = OutcomeIgnored
		default:
			outcome = OutcomeCompleted
		}
	} else {
		changed, err := s.orders.MarkFailed(ctx, o.ID, n.ResultDesc, s.now().UTC())
		if err != nil {
			return OutcomeIgnored, errors.Wrap(err, "mark failed")
		}
		outcome = OutcomeDuplicate
		if changed {
			outcome = OutcomeFailed
			s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusFailed))))
			s.remember(ctx, o.ID, o.UserID, StatusFailed)
			s.publish(ctx, EventPaymentFailed, o.ID, PaymentFailedPayload{OrderID: o.ID, Reason: n.ResultDesc})
		}
	}

	if s.callbacks != nil {
		if err := s.callbacks.MarkSeen(ctx, n.CheckoutRequestID); err != nil {
			lg.Warn("Failed to record processed notification", zap.Error(err))
		}
	}
	lg.Info("Payment notification handled",
		zap.String("outcome", string(outcome)),
		zap.String("result_desc", n.ResultDesc),
	)
	return outcome, nil
}

// CompleteManually settles an order without a provider confirmation, using a
// synthetic receipt. Only the owner or an administrator may do so, and only
// while the order is not completed.
func (s *Service) CompleteManually(ctx context.Context, id auth.Identity, orderID string) (*SettleResult, error) {
	if !s.cfg.ManualCompletion {
		return nil, ErrManualCompletionDisabled
	}
	if id.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, apperr.Invalid("orderId", "required")
	}

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.OwnedBy(id) && !id.Can(auth.CompleteAnyOrder) {
		return nil, auth.ErrForbidden
	}
	if o.PaymentStatus == StatusCompleted {
		return nil, apperr.Conflict("order %s is already completed", o.ID)
	}

	ref := o.CheckoutRequestID
	if ref == "" {
		ref = ManualReference
	}
	now := s.now().UTC()
	res, err := s.settle(ctx, Settlement{
		OrderID:           o.ID,
		ReceiptNumber:     "MOCK" + strconv.FormatInt(now.UnixMilli(), 10),
		PhoneNumber:       o.PhoneNumber,
		Amount:            o.TotalAmount,
		CheckoutRequestID: ref,
		Source:            SourceManual,
		At:                now,
	})
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		return nil, apperr.Conflict("order %s is already %s", o.ID, res.Order.PaymentStatus)
	}
	zctx.From(ctx).Warn("Order completed manually",
		zap.String("order_id", o.ID),
		zap.String("by", id.UserID),
	)
	return res, nil
}

func (s *Service) settle(ctx context.Context, st Settlement) (*SettleResult, error) {
	res, err := s.orders.Settle(ctx, st)
	if err != nil {
		return nil, errors.Wrap(err, "settle order")
	}
	if res.Skipped {
		return res, nil
	}

	lg := zctx.From(ctx).With(zap.String("order_id", st.OrderID))
	for _, a := range res.Adjustments {
		if short := a.Shortfall(); short > 0 {
			lg.Warn("Stock shortfall at settlement",
				zap.String("product_id", a.ProductID),
				zap.String("branch_id", a.BranchID),
				zap.Int("requested", a.Requested),
				zap.Int("applied", a.Applied),
				zap.Bool("missing_record", a.Missing),
			)
			s.metrics.shortfall.Add(ctx, int64(short))
		}
	}
	s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(StatusCompleted)),
		attribute.String("source", string(st.Source)),
	))
	s.remember(ctx, res.Order.ID, res.Order.UserID, StatusCompleted)
	s.publish(ctx, EventPaymentCompleted, st.OrderID, PaymentCompletedPayload{
		OrderID:           st.OrderID,
		ReceiptNumber:     st.ReceiptNumber,
		CheckoutRequestID: st.CheckoutRequestID,
		PhoneNumber:       st.PhoneNumber,
		Amount:            st.Amount,
		Source:            st.Source,
	})
	lg.Info("Order settled",
		zap.String("receipt", st.ReceiptNumber),
		zap.String("source", string(st.Source)),
	)
	return res, nil
}

func (s *Service) fail(ctx context.Context, o *Order, reason string) {
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	changed, err := s.orders.MarkFailed(ctx, o.ID, reason, s.now().UTC())
	if err != nil {
		lg.Error("Failed to mark order failed", zap.Error(err))
		return
	}
	o.PaymentStatus = StatusFailed
	o.FailureReason = reason
	if !changed {
		return
	}
	s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusFailed))))
	s.remember(ctx, o.ID, o.UserID, StatusFailed)
	s.publish(ctx, EventPaymentFailed, o.ID, PaymentFailedPayload{OrderID: o.ID, Reason: reason})
}

// Get returns an order visible to the caller.
func (s *Service) Get(ctx context.Context, id auth.Identity, orderID string) (*Order, error) {
	if id.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	o, err := s.orders.GetByID(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	if !o.OwnedBy(id) && !id.Can(auth.ViewAllOrders) {
		return nil, auth.ErrForbidden
	}
	return o, nil
}

// List returns the caller's orders, or every order for administrators.
func (s *Service) List(ctx context.Context, id auth.Identity) ([]Order, error) {
	if id.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	f := ListFilter{UserID: id.UserID}
	if id.Can(auth.ViewAllOrders) {
		f = ListFilter{}
	}
	return s.orders.List(ctx, f)
}

// Status returns the payment status of an order, answering from the cache
// when possible.
func (s *Service) Status(ctx context.Context, id auth.Identity, orderID string) (Status, error) {
	if id.UserID == "" {
		return "", auth.ErrUnauthorized
	}
	if s.cache != nil {
		st, ok, err := s.cache.GetStatus(ctx, orderID)
		if err != nil {
			zctx.From(ctx).Warn("Status cache unavailable", zap.Error(err))
		} else if ok {
			if st.UserID != id.UserID && !id.Can(auth.ViewAllOrders) {
				return "", auth.ErrForbidden
			}
			return st.Status, nil
		}
	}

	o, err := s.Get(ctx, id, orderID)
	if err != nil {
		return "", err
	}
	s.remember(ctx, o.ID, o.UserID, o.PaymentStatus)
	return o.PaymentStatus, nil
}

// QueryPayment asks the provider for the current state of the order's push.
func (s *Service) QueryPayment(ctx context.Context, id auth.Identity, orderID string) (*payment.PushStatus, error) {
	o, err := s.Get(ctx, id, orderID)
	if err != nil {
		return nil, err
	}
	if o.CheckoutRequestID == "" {
		return nil, apperr.Conflict("order %s has no payment request", o.ID)
	}
	st, err := s.gateway.QueryPush(ctx, o.CheckoutRequestID)
	if err != nil {
		return nil, errors.Wrap(err, "query payment")
	}
	return st, nil
}

func (s *Service) remember(ctx context.Context, orderID, userID string, st Status) {
	if s.cache == nil {
		return
	}
	err := s.cache.SetStatus(ctx, orderID, CachedStatus{
		Status:    st,
		UserID:    userID,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		zctx.From(ctx).Warn("Failed to cache order status", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, typ EventType, orderID string, payload any) {
	err := s.events.Publish(ctx, Event{
		Type:       typ,
		OrderID:    orderID,
		OccurredAt: s.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		zctx.From(ctx).Warn("Failed to publish event",
			zap.String("event", string(typ)),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}
