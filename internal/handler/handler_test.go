package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/auth"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/payment"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
	"github.com/xenking/soda-storefront/internal/handler"
	"github.com/xenking/soda-storefront/internal/session"
	"github.com/xenking/soda-storefront/internal/storage/memory"
)

// --- Fakes ---

type fakeGateway struct {
	mu  sync.Mutex
	err error
}

func (g *fakeGateway) InitiatePush(_ context.Context, req payment.PushRequest) (*payment.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &payment.PushResponse{
		CheckoutRequestID: "ws_CO_" + req.Reference,
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryPush(_ context.Context, id string) (*payment.PushStatus, error) {
	return &payment.PushStatus{
		CheckoutRequestID: id,
		ResponseCode:      "0",
		ResultCode:        "1032",
		ResultDesc:        "Request cancelled by user",
	}, nil
}

// --- Fixture ---

type fixture struct {
	t        *testing.T
	store    *memory.Store
	gateway  *fakeGateway
	router   http.Handler
	users    *user.Service
	branches *branch.Service
	products *product.Service
	sessions *session.Issuer

	adminToken    string
	customerToken string
	branchID      string
}

func newFixture(t *testing.T, orderCfg order.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	gw := &fakeGateway{}
	issuer, err := session.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	users := user.NewService(store.Users(), session.Hasher{Cost: 4})
	branches := branch.NewService(store.Branches(), store.Inventory(), store.Orders())
	products := product.NewService(store.Products(), store.Inventory(), store.Orders())
	orders, err := order.NewService(orderCfg,
		store.Products(), store.Branches(), store.Inventory(), store.Orders(), gw)
	require.NoError(t, err)

	h := handler.NewHandler(handler.HandlerConfig{}, handler.Services{
		Users:     users,
		Products:  products,
		Branches:  branches,
		Inventory: inventory.NewService(store.Inventory(), store.Products(), store.Branches()),
		Orders:    orders,
	}, issuer)

	r := chi.NewRouter()
	r.Mount("/api", h.Routes())

	f := &fixture{
		t:        t,
		store:    store,
		gateway:  gw,
		router:   r,
		users:    users,
		branches: branches,
		products: products,
		sessions: issuer,
	}

	admin, _, err := users.CreateAdmin(ctx, user.Registration{
		Name: "Store Admin", Email: "admin@soda.co.ke", Password: "admin123",
	})
	require.NoError(t, err)
	f.adminToken = f.token(admin)

	cust, err := users.Register(ctx, user.Registration{
		Name: "Jane Wanjiru", Email: "jane@example.com", Password: "secret1",
	})
	require.NoError(t, err)
	f.customerToken = f.token(cust)

	b, err := branches.Create(ctx, branch.Input{Name: "Nairobi HQ", Location: "Nairobi", Code: "NBO-HQ", IsHeadquarter: true})
	require.NoError(t, err)
	f.branchID = b.ID
	return f
}

func (f *fixture) token(u *user.User) string {
	tok, err := f.sessions.Issue(u.Identity())
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(f.t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// addProduct creates a product through the API and stocks it at the branch.
func (f *fixture) addProduct(name string, price float64, stock int) string {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/products", f.adminToken, map[string]any{
		"name": name, "brand": strings.Fields(name)[0], "category": "Soda", "price": price,
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(f.t, w)["productId"].(string)

	w = f.do(http.MethodPut, "/api/inventory", f.adminToken, map[string]any{
		"productId": id, "branchId": f.branchID, "quantity": stock,
	})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func (f *fixture) placeOrder(productID string, qty int) map[string]any {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/orders", f.customerToken, map[string]any{
		"branchId":    f.branchID,
		"phoneNumber": "0712 345 678",
		"items":       []map[string]any{{"productId": productID, "quantity": qty}},
	})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	return decode(f.t, w)
}

func (f *fixture) quantity(productID string) int {
	f.t.Helper()
	rec, err := f.store.Inventory().Get(context.Background(), productID, f.branchID)
	require.NoError(f.t, err)
	return rec.Quantity
}

func callbackBody(checkoutID string, resultCode int, amount float64) string {
	body := map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": checkoutID,
				"ResultCode":        resultCode,
				"ResultDesc":        "The service request is processed successfully.",
				"CallbackMetadata": map[string]any{
					"Item": []map[string]any{
						{"Name": "Amount", "Value": amount},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254712345678},
					},
				},
			},
		},
	}
	if resultCode != 0 {
		cb := body["Body"].(map[string]any)["stkCallback"].(map[string]any)
		cb["ResultDesc"] = "Request cancelled by user"
		delete(cb, "CallbackMetadata")
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func manualConfig() order.Config {
	return order.Config{ManualCompletion: true}
}

// --- Auth ---

func TestAuth_RegisterLoginMe(t *testing.T) {
	f := newFixture(t, manualConfig())

	w := f.do(http.MethodPost, "/api/auth/register", "", map[string]any{
		"name": "Otieno", "email": " Otieno@Example.com ", "password": "hunter22", "phone": "0711000000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	u := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, "otieno@example.com", u["email"])
	assert.Equal(t, "customer", u["role"])
	assert.NotContains(t, w.Body.String(), "password")

	w = f.do(http.MethodPost, "/api/auth/register", "", map[string]any{
		"name": "Otieno", "email": "otieno@example.com", "password": "hunter22",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": "otieno@example.com", "password": "wrong-one",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])

	w = f.do(http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": "otieno@example.com", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	token := body["token"].(string)
	require.NotEmpty(t, token)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, handler.DefaultCookieName, cookies[0].Name)
	assert.Equal(t, token, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	for _, name := range []string{handler.DefaultCookieName, "token"} {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
		req.AddCookie(&http.Cookie{Name: name, Value: token})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "cookie %s", name)
		assert.Equal(t, "otieno@example.com", decode(t, rec)["user"].(map[string]any)["email"])
	}

	w = f.do(http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, -1, w.Result().Cookies()[0].MaxAge)
}

func TestAuth_Me(t *testing.T) {
	f := newFixture(t, manualConfig())

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/auth/me", "garbage", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/auth/me", f.customerToken, nil).Code)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, manualConfig())
	newProduct := map[string]any{"name": "Coca-Cola 500ml", "brand": "Coca-Cola", "price": 70}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"AnonymousCatalogRead", http.MethodGet, "/api/products", "", nil, http.StatusOK},
		{"AnonymousBranchesRead", http.MethodGet, "/api/branches", "", nil, http.StatusOK},
		{"AnonymousInventoryRead", http.MethodGet, "/api/inventory", "", nil, http.StatusOK},
		{"AnonymousProductCreate", http.MethodPost, "/api/products", "", newProduct, http.StatusUnauthorized},
		{"CustomerProductCreate", http.MethodPost, "/api/products", f.customerToken, newProduct, http.StatusForbidden},
		{"CustomerRestock", http.MethodPost, "/api/inventory", f.customerToken, map[string]any{}, http.StatusForbidden},
		{"CustomerUsers", http.MethodGet, "/api/admin/users", f.customerToken, nil, http.StatusForbidden},
		{"AdminUsers", http.MethodGet, "/api/admin/users", f.adminToken, nil, http.StatusOK},
		{"AnonymousOrders", http.MethodGet, "/api/orders", "", nil, http.StatusUnauthorized},
		{"AnonymousComplete", http.MethodPost, "/api/orders/complete", "", map[string]any{"orderId": "x"}, http.StatusUnauthorized},
		{"UnknownRoute", http.MethodGet, "/api/nope", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

// --- Catalog ---

func TestCatalog_ProductLifecycle(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Fanta Orange 500ml", 65, 10)

	w := f.do(http.MethodGet, "/api/products/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode(t, w)["product"].(map[string]any)
	assert.Equal(t, 65.0, p["price"])

	w = f.do(http.MethodPut, "/api/products/"+id, f.adminToken, map[string]any{
		"name": "Fanta Orange 500ml", "brand": "Fanta", "price": "72.50",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p = decode(t, w)["product"].(map[string]any)
	assert.Equal(t, 72.5, p["price"])
	assert.Equal(t, product.DefaultCategory, p["category"])

	w = f.do(http.MethodPost, "/api/products", f.adminToken, map[string]any{
		"name": "X", "brand": "Fanta", "price": 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/products", f.adminToken, `{"name":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid JSON body", decode(t, w)["error"])

	f.placeOrder(id, 1)
	w = f.do(http.MethodDelete, "/api/products/"+id, f.adminToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodDelete, "/api/products/does-not-exist", f.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCatalog_BranchCreateSeedsInventory(t *testing.T) {
	f := newFixture(t, manualConfig())
	f.addProduct("Sprite 500ml", 60, 5)

	w := f.do(http.MethodPost, "/api/branches", f.adminToken, map[string]any{
		"name": "Kisumu Branch", "location": "Kisumu", "code": "ksm-01",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decode(t, w)["branch"].(map[string]any)
	assert.Equal(t, "KSM-01", b["code"])

	w = f.do(http.MethodPost, "/api/branches", f.adminToken, map[string]any{
		"name": "Kisumu Two", "location": "Kisumu", "code": "KSM-01",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/api/inventory?branchId="+b["id"].(string), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["inventory"].([]any)
	require.Len(t, entries, 1)
	e := entries[0].(map[string]any)
	assert.Equal(t, 0.0, e["quantity"])
	assert.Equal(t, "low", e["status"])
	assert.Equal(t, "Sprite 500ml", e["productName"])
	assert.Equal(t, "Kisumu Branch", e["branchName"])
}

// --- Inventory ---

func TestInventory_AdminAdjustments(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 10)
	key := map[string]any{"productId": id, "branchId": f.branchID}

	with := func(qty int) map[string]any {
		m := map[string]any{"quantity": qty}
		for k, v := range key {
			m[k] = v
		}
		return m
	}

	w := f.do(http.MethodPost, "/api/inventory", f.adminToken, with(45))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	inv := decode(t, w)["inventory"].(map[string]any)
	assert.Equal(t, 55.0, inv["quantity"])
	assert.Equal(t, "good", inv["status"])
	assert.NotNil(t, inv["lastRestocked"])

	w = f.do(http.MethodPost, "/api/inventory/deduct", f.adminToken, with(100))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 55, f.quantity(id))

	w = f.do(http.MethodPost, "/api/inventory/deduct", f.adminToken, with(25))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, f.quantity(id))

	w = f.do(http.MethodPost, "/api/inventory", f.adminToken, with(0))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/inventory", f.adminToken, with(-1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/inventory", f.adminToken, map[string]any{
		"productId": "missing", "branchId": f.branchID, "quantity": 5,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Orders and payment ---

func TestOrders_PlaceAndSettleThroughCallback(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 100)

	placed := f.placeOrder(id, 2)
	assert.Equal(t, true, placed["success"])
	orderID := placed["orderId"].(string)
	checkoutID := placed["checkoutRequestID"].(string)
	assert.Equal(t, "ws_CO_"+orderID, checkoutID)
	o := placed["order"].(map[string]any)
	assert.Equal(t, 140.0, o["totalAmount"])
	assert.Equal(t, "254712345678", o["phoneNumber"])
	assert.Equal(t, "pending", o["paymentStatus"])
	assert.Equal(t, 100, f.quantity(id))

	w := f.do(http.MethodGet, "/api/orders/"+orderID+"/status", f.customerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["paymentStatus"])

	for range 2 {
		w = f.do(http.MethodPost, "/api/mpesa/callback", "", callbackBody(checkoutID, 0, 140))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true}`, w.Body.String())
	}
	assert.Equal(t, 98, f.quantity(id))
	require.Len(t, f.store.Transactions(), 1)

	w = f.do(http.MethodGet, "/api/orders/"+orderID, f.customerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	o = decode(t, w)["order"].(map[string]any)
	assert.Equal(t, "completed", o["paymentStatus"])
	assert.Equal(t, "NLJ7RT61SV", o["mpesaReceiptNumber"])
	assert.Equal(t, "Nairobi HQ", o["branchName"])
}

func TestOrders_CallbackAlwaysAcknowledged(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 100)
	placed := f.placeOrder(id, 1)

	bodies := []string{
		"",
		"not json",
		`{"Body":{}}`,
		callbackBody("ws_CO_unknown", 0, 70),
		callbackBody(placed["checkoutRequestID"].(string), 1032, 0),
	}
	for _, body := range bodies {
		w := f.do(http.MethodPost, "/api/mpesa/callback", "", body)
		assert.Equal(t, http.StatusOK, w.Code, body)
		assert.JSONEq(t, `{"success":true}`, w.Body.String())
	}

	w := f.do(http.MethodGet, "/api/orders/"+placed["orderId"].(string), f.customerToken, nil)
	o := decode(t, w)["order"].(map[string]any)
	assert.Equal(t, "failed", o["paymentStatus"])
	assert.Equal(t, "Request cancelled by user", o["failureReason"])
	assert.Equal(t, 100, f.quantity(id))
}

func TestOrders_PlaceErrors(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 3)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"MissingBranch", map[string]any{"phoneNumber": "0712345678", "items": []any{map[string]any{"productId": id, "quantity": 1}}}, http.StatusBadRequest},
		{"NoItems", map[string]any{"branchId": f.branchID, "phoneNumber": "0712345678"}, http.StatusBadRequest},
		{"BadPhone", map[string]any{"branchId": f.branchID, "phoneNumber": "12", "items": []any{map[string]any{"productId": id, "quantity": 1}}}, http.StatusBadRequest},
		{"ZeroQuantity", map[string]any{"branchId": f.branchID, "phoneNumber": "0712345678", "items": []any{map[string]any{"productId": id, "quantity": 0}}}, http.StatusBadRequest},
		{"UnknownProduct", map[string]any{"branchId": f.branchID, "phoneNumber": "0712345678", "items": []any{map[string]any{"productId": "nope", "quantity": 1}}}, http.StatusNotFound},
		{"UnknownBranch", map[string]any{"branchId": "nope", "phoneNumber": "0712345678", "items": []any{map[string]any{"productId": id, "quantity": 1}}}, http.StatusNotFound},
		{"InsufficientStock", map[string]any{"branchId": f.branchID, "phoneNumber": "0712345678", "items": []any{map[string]any{"productId": id, "quantity": 4}}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/orders", f.customerToken, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestOrders_ProviderFailure(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 3)
	f.gateway.err = &apperr.ProviderError{Op: "stk push", Err: assert.AnError}

	w := f.do(http.MethodPost, "/api/orders", f.customerToken, map[string]any{
		"branchId": f.branchID, "phoneNumber": "0712345678",
		"items": []any{map[string]any{"productId": id, "quantity": 3}},
	})
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())

	w = f.do(http.MethodGet, "/api/orders", f.customerToken, nil)
	orders := decode(t, w)["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "failed", orders[0].(map[string]any)["paymentStatus"])

	// Holds were released, so the full stock can be ordered again.
	f.gateway.err = nil
	f.placeOrder(id, 3)
}

func TestOrders_ManualCompletion(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 10)
	orderID := f.placeOrder(id, 4)["orderId"].(string)

	other, err := f.users.Register(context.Background(), user.Registration{
		Name: "John Kamau", Email: "john@example.com", Password: "secret1",
	})
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/api/orders/complete", f.token(other), map[string]any{"orderId": orderID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/api/orders/complete", f.customerToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/orders/complete", f.customerToken, map[string]any{"orderId": orderID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.True(t, strings.HasPrefix(body["receiptNumber"].(string), "MOCK"))
	assert.Equal(t, "completed", body["order"].(map[string]any)["paymentStatus"])
	assert.Equal(t, 6, f.quantity(id))

	w = f.do(http.MethodPost, "/api/orders/complete", f.adminToken, map[string]any{"orderId": orderID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 6, f.quantity(id))
}

func TestOrders_ManualCompletionDisabled(t *testing.T) {
	f := newFixture(t, order.Config{})
	id := f.addProduct("Coca-Cola 500ml", 70, 10)
	orderID := f.placeOrder(id, 1)["orderId"].(string)

	w := f.do(http.MethodPost, "/api/orders/complete", f.adminToken, map[string]any{"orderId": orderID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, order.ErrManualCompletionDisabled.Error(), decode(t, w)["error"])
}

func TestOrders_Visibility(t *testing.T) {
	f := newFixture(t, manualConfig())
	id := f.addProduct("Coca-Cola 500ml", 70, 10)
	orderID := f.placeOrder(id, 1)["orderId"].(string)

	other, err := f.users.Register(context.Background(), user.Registration{
		Name: "John Kamau", Email: "john@example.com", Password: "secret1",
	})
	require.NoError(t, err)
	otherToken := f.token(other)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/orders/"+orderID, otherToken, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/orders/"+orderID, f.adminToken, nil).Code)

	w := f.do(http.MethodGet, "/api/orders", otherToken, nil)
	assert.Empty(t, decode(t, w)["orders"])
	w = f.do(http.MethodGet, "/api/orders", f.adminToken, nil)
	assert.Len(t, decode(t, w)["orders"], 1)

	w = f.do(http.MethodGet, "/api/orders/"+orderID+"/payment", f.customerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "1032", body["resultCode"])
	assert.Equal(t, "ws_CO_"+orderID, body["checkoutRequestID"])
}

func TestSecurityHandler_TokenSources(t *testing.T) {
	issuer, err := session.NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	token, err := issuer.Issue(auth.Identity{UserID: "u1", Role: auth.RoleCustomer})
	require.NoError(t, err)

	sec := handler.NewSecurityHandler(issuer, handler.DefaultCookieName)
	var got auth.Identity
	h := sec.Authenticate(sec.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
	})))

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  int
	}{
		{"Bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"BearerLowercase", func(r *http.Request) { r.Header.Set("Authorization", "bearer "+token) }, http.StatusOK},
		{"Cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "auth_token", Value: token}) }, http.StatusOK},
		{"LegacyCookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: token}) }, http.StatusOK},
		{"BasicScheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, http.StatusUnauthorized},
		{"Tampered", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token+"x") }, http.StatusUnauthorized},
		{"Missing", func(*http.Request) {}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = auth.Identity{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "u1", got.UserID)
			}
		})
	}
}
