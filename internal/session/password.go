package session

import (
	"github.com/go-faster/errors"
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor for new hashes.
const DefaultCost = 10

// Hasher hashes passwords with bcrypt.
type Hasher struct {
	Cost int
}

// Hash returns the bcrypt hash of password.
func (h Hasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt")
	}
	return string(b), nil
}

// Compare reports whether password matches hash.
func (h Hasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
