// Package handler implements the storefront HTTP API on a chi router.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/auth"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
	"github.com/xenking/soda-storefront/internal/session"
)

// maxBodyBytes bounds every request body, including provider callbacks.
const maxBodyBytes = 1 << 20

// DefaultCookieName is the session cookie set on login.
const DefaultCookieName = "auth_token"

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// CookieName is the session cookie written by login.
	CookieName string
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

// Services groups the domain services served over HTTP.
type Services struct {
	Users     *user.Service
	Products  *product.Service
	Branches  *branch.Service
	Inventory *inventory.Service
	Orders    *order.Service
}

// Handler serves the storefront API, delegating business logic to the
// domain services.
type Handler struct {
	cfg       HandlerConfig
	users     *user.Service
	products  *product.Service
	branches  *branch.Service
	inventory *inventory.Service
	orders    *order.Service
	sessions  *session.Issuer
	security  *SecurityHandler
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg HandlerConfig, svc Services, sessions *session.Issuer) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return &Handler{
		cfg:       cfg,
		users:     svc.Users,
		products:  svc.Products,
		branches:  svc.Branches,
		inventory: svc.Inventory,
		orders:    svc.Orders,
		sessions:  sessions,
		security:  NewSecurityHandler(sessions, cfg.CookieName),
	}
}

// Routes returns the API router. It is mounted under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.security.Authenticate)

	requireAuth := h.security.RequireAuth
	require := h.security.Require

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/logout", h.logout)
		r.With(requireAuth).Get("/me", h.me)
	})

	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.listProducts)
		r.Get("/{id}", h.getProduct)
		r.With(require(auth.ManageCatalog)).Post("/", h.createProduct)
		r.With(require(auth.ManageCatalog)).Put("/{id}", h.updateProduct)
		r.With(require(auth.ManageCatalog)).Delete("/{id}", h.deleteProduct)
	})

	r.Route("/branches", func(r chi.Router) {
		r.Get("/", h.listBranches)
		r.Get("/{id}", h.getBranch)
		r.With(require(auth.ManageCatalog)).Post("/", h.createBranch)
		r.With(require(auth.ManageCatalog)).Put("/{id}", h.updateBranch)
		r.With(require(auth.ManageCatalog)).Delete("/{id}", h.deleteBranch)
	})

	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", h.listInventory)
		r.Group(func(r chi.Router) {
			r.Use(require(auth.ManageInventory))
			r.Post("/", h.restock)
			r.Put("/", h.setStock)
			r.Post("/deduct", h.deductStock)
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/", h.listOrders)
		r.With(require(auth.PlaceOrders)).Post("/", h.placeOrder)
		r.Post("/complete", h.completeOrder)
		r.Get("/{id}", h.getOrder)
		r.Get("/{id}/status", h.orderStatus)
		r.Get("/{id}/payment", h.queryPayment)
	})

	r.Post("/mpesa/callback", h.mpesaCallback)

	r.With(require(auth.ManageUsers)).Get("/admin/users", h.listUsers)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})
	return r
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into v. Malformed bodies are reported as
// validation errors.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("", "request body is required")
		}
		return apperr.Invalid("", "invalid JSON body")
	}
	return nil
}

// statusFor maps a domain error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	var (
		vErr *apperr.ValidationError
		nErr *apperr.NotFoundError
		sErr *apperr.InsufficientStockError
		cErr *apperr.ConflictError
		pErr *apperr.ProviderError
	)
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, vErr.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, auth.ErrUnauthorized.Error()
	case errors.Is(err, user.ErrInvalidCredentials):
		return http.StatusUnauthorized, user.ErrInvalidCredentials.Error()
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, auth.ErrForbidden.Error()
	case errors.Is(err, order.ErrManualCompletionDisabled):
		return http.StatusForbidden, order.ErrManualCompletionDisabled.Error()
	case errors.As(err, &nErr):
		return http.StatusNotFound, nErr.Error()
	case errors.As(err, &sErr):
		return http.StatusConflict, sErr.Error()
	case errors.As(err, &cErr):
		return http.StatusConflict, cErr.Error()
	case errors.As(err, &pErr):
		return http.StatusBadGateway, "failed to initiate payment, please try again"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeError maps err to a JSON error response. Unexpected errors are logged
// with the request-scoped logger; their text never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

// identity returns the caller attached by SecurityHandler.Authenticate.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
