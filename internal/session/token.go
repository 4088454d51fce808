// Package session issues and verifies signed session tokens and hashes
// account passwords.
package session

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/xenking/soda-storefront/internal/domain/auth"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = 7 * 24 * time.Hour

// Claims is the token payload.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. An empty secret is rejected.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a signed token for id.
func (i *Issuer) Issue(id auth.Identity) (string, error) {
	now := i.now()
	claims := Claims{
		ID:    id.UserID,
		Email: id.Email,
		Name:  id.Name,
		Role:  string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Verify parses token and returns its identity. Any defect, including
// expiry, yields auth.ErrUnauthorized with the parse error kept as its cause.
func (i *Issuer) Verify(token string) (*auth.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
	}

	role, ok := auth.ParseRole(claims.Role)
	if !ok || claims.ID == "" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Identity{
		UserID: claims.ID,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   role,
	}, nil
}
