package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/user"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userEnvelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	User    userResponse `json:"user"`
	Token   string       `json:"token,omitempty"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.Register(r.Context(), user.Registration{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("User registered", zap.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, userEnvelope{
		Success: true,
		Message: "account created",
		User:    toUser(u),
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := h.sessions.Issue(u.Identity())
	if err != nil {
		writeError(w, r, errors.Wrap(err, "issue session"))
		return
	}
	http.SetCookie(w, h.sessionCookie(token, h.sessions.TTL()))
	writeJSON(w, http.StatusOK, userEnvelope{
		Success: true,
		User:    toUser(u),
		Token:   token,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "logged out"})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userEnvelope{Success: true, User: toUser(u)})
}

// sessionCookie builds the session cookie. A negative ttl expires it.
func (h *Handler) sessionCookie(value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
		return c
	}
	c.MaxAge = int(ttl.Seconds())
	return c
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]userResponse, len(users))
	for i := range users {
		out[i] = toUser(&users[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}
