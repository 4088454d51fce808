package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/auth"
)

// legacyCookieName is still accepted for sessions issued by older clients.
const legacyCookieName = "token"

// TokenVerifier validates a session token.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// SecurityHandler authenticates requests from their session token and gates
// routes by capability.
type SecurityHandler struct {
	verifier TokenVerifier
	cookies  []string
}

// NewSecurityHandler creates a SecurityHandler reading the token from the
// Authorization header, then from cookieName, then from the legacy cookie.
func NewSecurityHandler(verifier TokenVerifier, cookieName string) *SecurityHandler {
	cookies := []string{cookieName}
	if cookieName != legacyCookieName {
		cookies = append(cookies, legacyCookieName)
	}
	return &SecurityHandler{verifier: verifier, cookies: cookies}
}

// tokenFrom extracts the raw session token from r.
func (s *SecurityHandler) tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	for _, name := range s.cookies {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// Authenticate attaches the caller identity to the request context when a
// valid token is present. Requests without one continue anonymously; routes
// that need a caller use RequireAuth or Require.
func (s *SecurityHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.tokenFrom(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.verifier.Verify(token)
		if err != nil {
			zctx.From(r.Context()).Debug("Rejected session token", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		ctx := auth.WithIdentity(r.Context(), *id)
		ctx = zctx.With(ctx, zap.String("user_id", id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects anonymous requests with 401.
func (s *SecurityHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			writeError(w, r, auth.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests whose caller lacks capability c: 401 when
// anonymous, 403 when the role does not grant it.
func (s *SecurityHandler) Require(c auth.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var caller *auth.Identity
			if id, ok := auth.FromContext(r.Context()); ok {
				caller = &id
			}
			if err := auth.Authorize(caller, c); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
