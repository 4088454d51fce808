package handler

import (
	"time"

	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
)

// Response bodies. Money is rendered as JSON numbers.

type userResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUser(u *user.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Phone:     u.Phone,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
	}
}

type productResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Brand     string    `json:"brand"`
	Category  string    `json:"category"`
	Price     float64   `json:"price"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toProduct(p *product.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		Name:      p.Name,
		Brand:     p.Brand,
		Category:  p.Category,
		Price:     p.Price.InexactFloat64(),
		Image:     p.Image,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type branchResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Location      string    `json:"location"`
	Code          string    `json:"code"`
	IsHeadquarter bool      `json:"isHeadquarter"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toBranch(b *branch.Branch) branchResponse {
	return branchResponse{
		ID:            b.ID,
		Name:          b.Name,
		Location:      b.Location,
		Code:          b.Code,
		IsHeadquarter: b.IsHeadquarter,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

type stockResponse struct {
	ProductID     string     `json:"productId"`
	BranchID      string     `json:"branchId"`
	Quantity      int        `json:"quantity"`
	Held          int        `json:"held"`
	Available     int        `json:"available"`
	Status        string     `json:"status"`
	LastRestocked *time.Time `json:"lastRestocked,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toStock(r *inventory.Record) stockResponse {
	return stockResponse{
		ProductID:     r.ProductID,
		BranchID:      r.BranchID,
		Quantity:      r.Quantity,
		Held:          r.Held,
		Available:     r.Available(),
		Status:        string(inventory.StatusFor(r.Quantity)),
		LastRestocked: r.LastRestocked,
		UpdatedAt:     r.UpdatedAt,
	}
}

type inventoryEntryResponse struct {
	stockResponse
	ProductName    string  `json:"productName"`
	Brand          string  `json:"brand"`
	Category       string  `json:"category"`
	Price          float64 `json:"price"`
	Image          string  `json:"image,omitempty"`
	BranchName     string  `json:"branchName"`
	BranchLocation string  `json:"branchLocation"`
}

func toInventoryEntry(e *inventory.Entry) inventoryEntryResponse {
	return inventoryEntryResponse{
		stockResponse:  toStock(&e.Record),
		ProductName:    e.ProductName,
		Brand:          e.Brand,
		Category:       e.Category,
		Price:          e.Price.InexactFloat64(),
		Image:          e.Image,
		BranchName:     e.BranchName,
		BranchLocation: e.BranchLocation,
	}
}

type orderItemResponse struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Brand       string  `json:"brand"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
	Subtotal    float64 `json:"subtotal"`
}

type orderResponse struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"userId"`
	BranchID           string              `json:"branchId"`
	BranchName         string              `json:"branchName,omitempty"`
	Items              []orderItemResponse `json:"items"`
	TotalAmount        float64             `json:"totalAmount"`
	PaymentStatus      string              `json:"paymentStatus"`
	MpesaReceiptNumber string              `json:"mpesaReceiptNumber,omitempty"`
	CheckoutRequestID  string              `json:"checkoutRequestID,omitempty"`
	PhoneNumber        string              `json:"phoneNumber"`
	FailureReason      string              `json:"failureReason,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

func toOrder(o *order.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemResponse{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Brand:       it.Brand,
			Quantity:    it.Quantity,
			Price:       it.Price.InexactFloat64(),
			Subtotal:    it.Subtotal.InexactFloat64(),
		}
	}
	return orderResponse{
		ID:                 o.ID,
		UserID:             o.UserID,
		BranchID:           o.BranchID,
		BranchName:         o.BranchName,
		Items:              items,
		TotalAmount:        o.TotalAmount.InexactFloat64(),
		PaymentStatus:      string(o.PaymentStatus),
		MpesaReceiptNumber: o.ReceiptNumber,
		CheckoutRequestID:  o.CheckoutRequestID,
		PhoneNumber:        o.PhoneNumber,
		FailureReason:      o.FailureReason,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}
