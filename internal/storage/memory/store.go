// Package memory implements every storage port in process memory. It backs
// local development runs and service tests; state is lost on exit.
package memory

import (
	"sync"
	"time"

	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
)

type stockKey struct {
	productID string
	branchID  string
}

type hold struct {
	stockKey
	quantity  int
	expiresAt time.Time
}

// Store holds all entities behind a single lock so that multi-entity
// operations are atomic.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users        map[string]user.User
	branches     map[string]branch.Branch
	products     map[string]product.Product
	stock        map[stockKey]*inventory.Record
	orders       map[string]*order.Order
	holds        map[string][]hold
	transactions map[string]order.Transaction
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to expire holds.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		users:        make(map[string]user.User),
		branches:     make(map[string]branch.Branch),
		products:     make(map[string]product.Product),
		stock:        make(map[stockKey]*inventory.Record),
		orders:       make(map[string]*order.Order),
		holds:        make(map[string][]hold),
		transactions: make(map[string]order.Transaction),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Users returns the user repository view of the store.
func (s *Store) Users() *UserRepository { return &UserRepository{s: s} }

// Branches returns the branch repository view of the store.
func (s *Store) Branches() *BranchRepository { return &BranchRepository{s: s} }

// Products returns the product repository view of the store.
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

// Inventory returns the inventory repository view of the store.
func (s *Store) Inventory() *InventoryRepository { return &InventoryRepository{s: s} }

// Orders returns the order repository view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Transactions returns a snapshot of all transaction records.
func (s *Store) Transactions() []order.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]order.Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, t)
	}
	return out
}

// heldLocked sums unexpired holds of pending orders. Caller holds s.mu.
func (s *Store) heldLocked(k stockKey, now time.Time) int {
	total := 0
	for orderID, hs := range s.holds {
		if o, ok := s.orders[orderID]; !ok || o.PaymentStatus != order.StatusPending {
			continue
		}
		for _, h := range hs {
			if h.stockKey == k && h.expiresAt.After(now) {
				total += h.quantity
			}
		}
	}
	return total
}
