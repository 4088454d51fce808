package order_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/auth"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/payment"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/storage/memory"
)

// --- Fakes ---

type fakeGateway struct {
	mu       sync.Mutex
	requests []payment.PushRequest
	err      error
	status   *payment.PushStatus
}

func (g *fakeGateway) InitiatePush(_ context.Context, req payment.PushRequest) (*payment.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &payment.PushResponse{
		MerchantRequestID: "mr-" + req.Reference,
		CheckoutRequestID: "ws_CO_" + req.Reference,
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryPush(_ context.Context, id string) (*payment.PushStatus, error) {
	if g.status == nil {
		return &payment.PushStatus{CheckoutRequestID: id, ResultCode: "0"}, nil
	}
	return g.status, nil
}

type fakeCallbackLog struct {
	seen map[string]bool
}

func (l *fakeCallbackLog) Seen(_ context.Context, id string) (bool, error) {
	return l.seen[id], nil
}

func (l *fakeCallbackLog) MarkSeen(_ context.Context, id string) error {
	l.seen[id] = true
	return nil
}

type fakeStatusCache struct {
	entries map[string]order.CachedStatus
}

func (c *fakeStatusCache) GetStatus(_ context.Context, id string) (*order.CachedStatus, bool, error) {
	st, ok := c.entries[id]
	if !ok {
		return nil, false, nil
	}
	return &st, true, nil
}

func (c *fakeStatusCache) SetStatus(_ context.Context, id string, st order.CachedStatus) error {
	c.entries[id] = st
	return nil
}

type recordingPublisher struct {
	events []order.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e order.Event) error {
	p.events = append(p.events, e)
	return nil
}

// --- Helpers ---

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

var (
	customer = auth.Identity{UserID: "cust-1", Email: "jane@example.com", Name: "Jane", Role: auth.RoleCustomer}
	other    = auth.Identity{UserID: "cust-2", Email: "john@example.com", Name: "John", Role: auth.RoleCustomer}
	admin    = auth.Identity{UserID: "admin-1", Email: "admin@example.com", Name: "Admin", Role: auth.RoleAdmin}
)

type fixture struct {
	store    *memory.Store
	gateway  *fakeGateway
	events   *recordingPublisher
	svc      *order.Service
	branchID string
}

func newFixture(t *testing.T, cfg order.Config, opts ...order.Option) *fixture {
	t.Helper()

	clock := func() time.Time { return testNow }
	store := memory.New(memory.WithClock(clock))
	f := &fixture{
		store:    store,
		gateway:  &fakeGateway{},
		events:   &recordingPublisher{},
		branchID: uuid.NewString(),
	}
	require.NoError(t, store.Branches().Create(context.Background(), &branch.Branch{
		ID:       f.branchID,
		Name:     "Nairobi HQ",
		Location: "Nairobi",
		Code:     "NBO-HQ",
	}))

	opts = append([]order.Option{order.WithClock(clock), order.WithPublisher(f.events)}, opts...)
	svc, err := order.NewService(cfg,
		store.Products(),
		store.Branches(),
		store.Inventory(),
		store.Orders(),
		f.gateway,
		opts...,
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func defaultConfig() order.Config {
	return order.Config{HoldTTL: 15 * time.Minute, ManualCompletion: true}
}

func (f *fixture) addProduct(t *testing.T, name string, price string, stock int) product.Product {
	t.Helper()
	ctx := context.Background()

	p := product.Product{
		ID:       uuid.NewString(),
		Name:     name,
		Brand:    strings.Fields(name)[0],
		Category: "Soda",
		Price:    decimal.RequireFromString(price),
	}
	require.NoError(t, f.store.Products().Create(ctx, &p))
	_, err := f.store.Inventory().Set(ctx, p.ID, f.branchID, stock, testNow)
	require.NoError(t, err)
	return p
}

func (f *fixture) quantity(t *testing.T, productID string) int {
	t.Helper()
	rec, err := f.store.Inventory().Get(context.Background(), productID, f.branchID)
	require.NoError(t, err)
	return rec.Quantity
}

func (f *fixture) place(t *testing.T, id auth.Identity, items ...order.LineRequest) *order.PlaceOrderResult {
	t.Helper()
	res, err := f.svc.PlaceOrder(context.Background(), id, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       items,
	})
	require.NoError(t, err)
	return res
}

func successNotification(checkoutID, amount string) *payment.Notification {
	return &payment.Notification{
		CheckoutRequestID: checkoutID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Metadata: []payment.MetadataItem{
			{Name: payment.MetaAmount, Value: amount},
			{Name: payment.MetaReceipt, Value: "NLJ7RT61SV"},
			{Name: "TransactionDate", Value: "20250314100500"},
			{Name: payment.MetaPhone, Value: "254712345678"},
		},
	}
}

// --- Intake ---

func TestPlaceOrder_ComputesTotalAndInitiatesPayment(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 100)
	coke := f.addProduct(t, "Coke 2L", "220.50", 10)

	res := f.place(t, customer,
		order.LineRequest{ProductID: sprite.ID, Quantity: 2},
		order.LineRequest{ProductID: coke.ID, Quantity: 1},
	)

	o := res.Order
	assert.True(t, decimal.RequireFromString("360.50").Equal(o.TotalAmount))
	assert.Equal(t, order.StatusPending, o.PaymentStatus)
	assert.Equal(t, "254712345678", o.PhoneNumber)
	assert.Equal(t, "ws_CO_"+o.ID, o.CheckoutRequestID)
	require.Len(t, o.Items, 2)
	sum := decimal.Zero
	for _, it := range o.Items {
		assert.True(t, it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))).Equal(it.Subtotal))
		sum = sum.Add(it.Subtotal)
	}
	assert.True(t, sum.Equal(o.TotalAmount))

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.Equal(t, int64(360), req.Amount)
	assert.Equal(t, "254712345678", req.Phone)
	assert.Equal(t, o.ID, req.Reference)

	stored, err := f.store.Orders().GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.CheckoutRequestID, stored.CheckoutRequestID)
	assert.Equal(t, "Nairobi HQ", stored.BranchName)

	// Intake only holds stock.
	assert.Equal(t, 100, f.quantity(t, sprite.ID))
	require.NotEmpty(t, f.events.events)
	assert.Equal(t, order.EventOrderPlaced, f.events.events[0].Type)
}

func TestPlaceOrder_MergesRepeatedProducts(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 100)

	res := f.place(t, customer,
		order.LineRequest{ProductID: sprite.ID, Quantity: 2},
		order.LineRequest{ProductID: sprite.ID, Quantity: 3},
	)

	require.Len(t, res.Order.Items, 1)
	assert.Equal(t, 5, res.Order.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(350).Equal(res.Order.TotalAmount))
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 100)

	tests := []struct {
		name  string
		req   order.PlaceOrderRequest
		field string
	}{
		{"missing branch", order.PlaceOrderRequest{PhoneNumber: "0712345678", Items: []order.LineRequest{{ProductID: sprite.ID, Quantity: 1}}}, "branchId"},
		{"no items", order.PlaceOrderRequest{BranchID: f.branchID, PhoneNumber: "0712345678"}, "items"},
		{"zero quantity", order.PlaceOrderRequest{BranchID: f.branchID, PhoneNumber: "0712345678", Items: []order.LineRequest{{ProductID: sprite.ID}}}, "quantity"},
		{"negative quantity", order.PlaceOrderRequest{BranchID: f.branchID, PhoneNumber: "0712345678", Items: []order.LineRequest{{ProductID: sprite.ID, Quantity: -1}}}, "quantity"},
		{"missing product id", order.PlaceOrderRequest{BranchID: f.branchID, PhoneNumber: "0712345678", Items: []order.LineRequest{{Quantity: 1}}}, "productId"},
		{"bad phone", order.PlaceOrderRequest{BranchID: f.branchID, PhoneNumber: "12345", Items: []order.LineRequest{{ProductID: sprite.ID, Quantity: 1}}}, "phoneNumber"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), customer, tt.req)
			var vErr *apperr.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	orders, err := f.store.Orders().List(context.Background(), order.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, f.gateway.requests)
}

func TestPlaceOrder_Unauthenticated(t *testing.T) {
	f := newFixture(t, defaultConfig())

	_, err := f.svc.PlaceOrder(context.Background(), auth.Identity{}, order.PlaceOrderRequest{})
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	f := newFixture(t, defaultConfig())

	_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: "missing", Quantity: 1}},
	})

	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "product", nf.Entity)
	assert.Equal(t, "missing", nf.ID)
}

func TestPlaceOrder_BranchNotFound(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 100)

	_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
		BranchID:    "nowhere",
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: sprite.ID, Quantity: 1}},
	})

	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "branch", nf.Entity)
}

func TestPlaceOrder_InsufficientStockPersistsNothing(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 3)

	_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: sprite.ID, Quantity: 4}},
	})

	var isErr *apperr.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 4, isErr.Requested)
	assert.Equal(t, 3, isErr.Available)

	orders, err := f.store.Orders().List(context.Background(), order.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, f.gateway.requests)
}

func TestPlaceOrder_MissingInventoryRecord(t *testing.T) {
	f := newFixture(t, defaultConfig())
	p := product.Product{ID: uuid.NewString(), Name: "Fanta Orange Can", Brand: "Fanta", Price: decimal.NewFromInt(80)}
	require.NoError(t, f.store.Products().Create(context.Background(), &p))

	_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: p.ID, Quantity: 1}},
	})

	var isErr *apperr.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 0, isErr.Available)
}

func TestPlaceOrder_HoldsBlockOverselling(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 3)

	f.place(t, customer, order.LineRequest{ProductID: sprite.ID, Quantity: 2})

	_, err := f.svc.PlaceOrder(context.Background(), other, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: sprite.ID, Quantity: 2}},
	})

	var isErr *apperr.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 1, isErr.Available)
}

func TestPlaceOrder_ConcurrentIntakeNeverOversells(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
				BranchID:    f.branchID,
				PhoneNumber: "0712345678",
				Items:       []order.LineRequest{{ProductID: sprite.ID, Quantity: 1}},
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
}

func TestPlaceOrder_ProviderFailureMarksFailed(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sprite := f.addProduct(t, "Sprite 500ml", "70", 2)
	f.gateway.err = errors.New("connection reset")

	_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: sprite.ID, Quantity: 2}},
	})

	var pErr *apperr.ProviderError
	require.ErrorAs(t, err, &pErr)

	orders, err := f.store.Orders().List(context.Background(), order.ListFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusFailed, orders[0].PaymentStatus)
	assert.Empty(t, orders[0].CheckoutRequestID)

	// The hold is released, so the stock can be ordered again.
	f.gateway.err = nil
	f.place(t, customer, order.LineRequest{ProductID: sprite.ID, Quantity: 2})
}

// --- Callback ---

type detachedOrders struct {
	order.Repository
}

func (detachedOrders) AttachCheckout(context.Context, string, string, time.Time) error {
	return errors.New("connection reset")
}

func TestPlaceOrder_AttachCheckoutFailureIsReconcilable(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)

	svc, err := order.NewService(defaultConfig(),
		f.store.Products(),
		f.store.Branches(),
		f.store.Inventory(),
		detachedOrders{Repository: f.store.Orders()},
		f.gateway,
		order.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))
	_, err = svc.PlaceOrder(ctx, customer, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: soda.ID, Quantity: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attach checkout reference")

	require.Len(t, f.gateway.requests, 1)
	entries := logs.FilterMessage("Payment prompt sent but checkout reference not stored").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ws_CO_"+f.gateway.requests[0].Reference, fields["checkout_request_id"])
	assert.Equal(t, f.gateway.requests[0].Reference, fields["order_id"])
}

func TestHandleNotification_SuccessSettlesOrder(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 100)

	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})
	require.True(t, decimal.NewFromInt(140).Equal(res.Order.TotalAmount))

	outcome, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "140"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeCompleted, outcome)

	assert.Equal(t, 98, f.quantity(t, soda.ID))

	stored, err := f.store.Orders().GetByID(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, stored.PaymentStatus)
	assert.Equal(t, "NLJ7RT61SV", stored.ReceiptNumber)

	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.True(t, decimal.NewFromInt(140).Equal(txs[0].Amount))
	assert.Equal(t, "NLJ7RT61SV", txs[0].ReceiptNumber)
	assert.Equal(t, "254712345678", txs[0].PhoneNumber)
	assert.Equal(t, res.Order.CheckoutRequestID, txs[0].CheckoutRequestID)
	assert.Equal(t, order.SourceCallback, txs[0].Source)
}

func TestHandleNotification_OneDecrementPerLine(t *testing.T) {
	f := newFixture(t, defaultConfig())
	a := f.addProduct(t, "Sprite 350ml", "50", 10)
	b := f.addProduct(t, "Fanta Orange 500ml", "70", 10)
	c := f.addProduct(t, "Coke Can 330ml", "80", 10)

	res := f.place(t, customer,
		order.LineRequest{ProductID: a.ID, Quantity: 1},
		order.LineRequest{ProductID: b.ID, Quantity: 2},
		order.LineRequest{ProductID: c.ID, Quantity: 3},
	)

	settled, err := f.store.Orders().Settle(context.Background(), order.Settlement{
		OrderID:           res.Order.ID,
		ReceiptNumber:     "R1",
		Amount:            res.Order.TotalAmount,
		CheckoutRequestID: res.Order.CheckoutRequestID,
		Source:            order.SourceCallback,
		At:                testNow,
	})
	require.NoError(t, err)
	assert.Len(t, settled.Adjustments, 3)
	assert.Len(t, f.store.Transactions(), 1)
	assert.Equal(t, 9, f.quantity(t, a.ID))
	assert.Equal(t, 8, f.quantity(t, b.ID))
	assert.Equal(t, 7, f.quantity(t, c.ID))
}

func TestHandleNotification_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 100)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})
	n := successNotification(res.Order.CheckoutRequestID, "140")

	outcome, err := f.svc.HandleNotification(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeCompleted, outcome)

	outcome, err = f.svc.HandleNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeDuplicate, outcome)

	assert.Equal(t, 98, f.quantity(t, soda.ID))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestHandleNotification_CallbackLogShortCircuits(t *testing.T) {
	log := &fakeCallbackLog{seen: map[string]bool{}}
	f := newFixture(t, defaultConfig(), order.WithCallbackLog(log))
	soda := f.addProduct(t, "Soda A", "70", 100)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})

	_, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "140"))
	require.NoError(t, err)
	assert.True(t, log.seen[res.Order.CheckoutRequestID])

	outcome, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "140"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeDuplicate, outcome)
	assert.Equal(t, 98, f.quantity(t, soda.ID))
}

func TestHandleNotification_UnknownReference(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 100)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})

	outcome, err := f.svc.HandleNotification(context.Background(), successNotification("ws_CO_unknown", "140"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeUnknown, outcome)

	assert.Equal(t, 100, f.quantity(t, soda.ID))
	assert.Empty(t, f.store.Transactions())
	stored, err := f.store.Orders().GetByID(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, stored.PaymentStatus)
}

func TestHandleNotification_MissingReferenceIgnored(t *testing.T) {
	f := newFixture(t, defaultConfig())

	outcome, err := f.svc.HandleNotification(context.Background(), &payment.Notification{})
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeIgnored, outcome)

	outcome, err = f.svc.HandleNotification(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeIgnored, outcome)
}

func TestHandleNotification_FailureMarksFailed(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 2)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})

	outcome, err := f.svc.HandleNotification(context.Background(), &payment.Notification{
		CheckoutRequestID: res.Order.CheckoutRequestID,
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	})
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeFailed, outcome)

	stored, err := f.store.Orders().GetByID(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, stored.PaymentStatus)
	assert.Equal(t, "Request cancelled by user", stored.FailureReason)
	assert.Equal(t, 2, f.quantity(t, soda.ID))
	assert.Empty(t, f.store.Transactions())

	// Released hold makes the stock available again.
	f.place(t, other, order.LineRequest{ProductID: soda.ID, Quantity: 2})
}

func TestHandleNotification_FailureAfterCompletionKeepsCompleted(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	_, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "70"))
	require.NoError(t, err)

	outcome, err := f.svc.HandleNotification(context.Background(), &payment.Notification{
		CheckoutRequestID: res.Order.CheckoutRequestID,
		ResultCode:        1,
		ResultDesc:        "late failure",
	})
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeDuplicate, outcome)

	stored, err := f.store.Orders().GetByID(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, stored.PaymentStatus)
}

func TestHandleNotification_SuccessAfterFailureKeepsFailed(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})
	checkoutID := res.Order.CheckoutRequestID

	outcome, err := f.svc.HandleNotification(context.Background(), &payment.Notification{
		CheckoutRequestID: checkoutID,
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	})
	require.NoError(t, err)
	require.Equal(t, order.OutcomeFailed, outcome)

	// No callback log: the store alone must refuse the late confirmation.
	outcome, err = f.svc.HandleNotification(context.Background(), successNotification(checkoutID, "140"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeIgnored, outcome)

	stored, err := f.store.Orders().GetByID(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, stored.PaymentStatus)
	assert.Empty(t, stored.ReceiptNumber)
	assert.Equal(t, 10, f.quantity(t, soda.ID))
	assert.Empty(t, f.store.Transactions())
	for _, e := range f.events.events {
		assert.NotEqual(t, order.EventPaymentCompleted, e.Type)
	}

	// Manual completion still accepts the failed order.
	settled, err := f.svc.CompleteManually(context.Background(), customer, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, settled.Order.PaymentStatus)
	assert.Equal(t, 8, f.quantity(t, soda.ID))
}

func TestHandleNotification_ShortfallClampsAtZero(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 5)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 4})

	// An administrator lowers stock below the held amount before payment.
	_, err := f.store.Inventory().Set(context.Background(), soda.ID, f.branchID, 1, testNow)
	require.NoError(t, err)

	outcome, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "280"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeCompleted, outcome)
	assert.Equal(t, 0, f.quantity(t, soda.ID))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestHandleNotification_FallsBackToOrderValues(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	_, err := f.svc.HandleNotification(context.Background(), &payment.Notification{
		CheckoutRequestID: res.Order.CheckoutRequestID,
		Metadata:          []payment.MetadataItem{{Name: payment.MetaReceipt, Value: "QWE123"}},
	})
	require.NoError(t, err)

	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.True(t, decimal.NewFromInt(70).Equal(txs[0].Amount))
	assert.Equal(t, "254712345678", txs[0].PhoneNumber)
}

// --- Manual completion ---

func TestCompleteManually_SecondCallRejected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 100)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 2})

	settled, err := f.svc.CompleteManually(context.Background(), customer, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, settled.Order.PaymentStatus)
	assert.True(t, strings.HasPrefix(settled.Order.ReceiptNumber, "MOCK"))
	assert.Equal(t, res.Order.CheckoutRequestID, settled.Transaction.CheckoutRequestID)
	assert.Equal(t, order.SourceManual, settled.Transaction.Source)
	assert.Equal(t, 98, f.quantity(t, soda.ID))

	_, err = f.svc.CompleteManually(context.Background(), customer, res.Order.ID)
	var cErr *apperr.ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, 98, f.quantity(t, soda.ID))

	// A genuine callback arriving afterwards does not decrement again.
	outcome, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "140"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeDuplicate, outcome)
	assert.Equal(t, 98, f.quantity(t, soda.ID))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestCompleteManually_FailedOrderUsesManualReference(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	f.gateway.err = errors.New("timeout")
	_, err := f.svc.PlaceOrder(context.Background(), customer, order.PlaceOrderRequest{
		BranchID:    f.branchID,
		PhoneNumber: "0712345678",
		Items:       []order.LineRequest{{ProductID: soda.ID, Quantity: 1}},
	})
	require.Error(t, err)

	orders, err := f.store.Orders().List(context.Background(), order.ListFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	settled, err := f.svc.CompleteManually(context.Background(), customer, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, order.ManualReference, settled.Transaction.CheckoutRequestID)
	assert.Equal(t, 9, f.quantity(t, soda.ID))
}

func TestCompleteManually_Authorization(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	_, err := f.svc.CompleteManually(context.Background(), auth.Identity{}, res.Order.ID)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = f.svc.CompleteManually(context.Background(), other, res.Order.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.CompleteManually(context.Background(), admin, res.Order.ID)
	require.NoError(t, err)
}

func TestCompleteManually_NotFound(t *testing.T) {
	f := newFixture(t, defaultConfig())

	_, err := f.svc.CompleteManually(context.Background(), admin, "missing")
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCompleteManually_Disabled(t *testing.T) {
	f := newFixture(t, order.Config{ManualCompletion: false})
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	_, err := f.svc.CompleteManually(context.Background(), admin, res.Order.ID)
	require.ErrorIs(t, err, order.ErrManualCompletionDisabled)
	assert.Equal(t, 10, f.quantity(t, soda.ID))
}

// --- Queries ---

func TestListAndGet_Visibility(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	mine := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})
	f.place(t, other, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	own, err := f.svc.List(context.Background(), customer)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.Order.ID, own[0].ID)

	all, err := f.svc.List(context.Background(), admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.Get(context.Background(), other, mine.Order.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)

	got, err := f.svc.Get(context.Background(), admin, mine.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.Order.ID, got.ID)
}

func TestStatus_ServedFromCache(t *testing.T) {
	cache := &fakeStatusCache{entries: map[string]order.CachedStatus{}}
	f := newFixture(t, defaultConfig(), order.WithStatusCache(cache))
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	require.Contains(t, cache.entries, res.Order.ID)
	assert.Equal(t, order.StatusPending, cache.entries[res.Order.ID].Status)

	_, err := f.svc.HandleNotification(context.Background(), successNotification(res.Order.CheckoutRequestID, "70"))
	require.NoError(t, err)

	st, err := f.svc.Status(context.Background(), customer, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, st)

	_, err = f.svc.Status(context.Background(), other, res.Order.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)
}

func TestQueryPayment(t *testing.T) {
	f := newFixture(t, defaultConfig())
	soda := f.addProduct(t, "Soda A", "70", 10)
	res := f.place(t, customer, order.LineRequest{ProductID: soda.ID, Quantity: 1})

	st, err := f.svc.QueryPayment(context.Background(), customer, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.CheckoutRequestID, st.CheckoutRequestID)
}
