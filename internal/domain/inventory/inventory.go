package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Stock thresholds used for Status.
const (
	LowStockThreshold    = 20
	MediumStockThreshold = 50
)

// Status is a coarse stock level shown to administrators.
type Status string

const (
	StatusLow    Status = "low"
	StatusMedium Status = "medium"
	StatusGood   Status = "good"
)

// StatusFor classifies a quantity.
func StatusFor(quantity int) Status {
	switch {
	case quantity < LowStockThreshold:
		return StatusLow
	case quantity < MediumStockThreshold:
		return StatusMedium
	default:
		return StatusGood
	}
}

// Record is the stock of one product at one branch.
type Record struct {
	ProductID     string
	BranchID      string
	Quantity      int
	Held          int
	LastRestocked *time.Time
	UpdatedAt     time.Time
}

// Available is the quantity not covered by active order holds.
func (r *Record) Available() int {
	if a := r.Quantity - r.Held; a > 0 {
		return a
	}
	return 0
}

// Entry is a record joined with its product and branch for listings.
type Entry struct {
	Record
	ProductName    string
	Brand          string
	Category       string
	Price          decimal.Decimal
	Image          string
	BranchName     string
	BranchLocation string
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	BranchID string
}

// Repository persists inventory records.
//
// Get fills Held with the sum of unexpired holds. Restock and Deduct return
// *apperr.NotFoundError for a missing record; Deduct returns
// *apperr.InsufficientStockError and leaves the quantity untouched when the
// record holds less than requested. Set creates the record when absent.
type Repository interface {
	Get(ctx context.Context, productID, branchID string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	Restock(ctx context.Context, productID, branchID string, qty int, at time.Time) (*Record, error)
	Set(ctx context.Context, productID, branchID string, qty int, at time.Time) (*Record, error)
	Deduct(ctx context.Context, productID, branchID string, qty int, at time.Time) (*Record, error)
}
