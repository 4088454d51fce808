// Package payment describes the push-payment provider as seen by the order
// flow: the outbound STK push, its status query, and the asynchronous
// result notification.
package payment

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
)

// CountryCode is prepended to local phone numbers.
const CountryCode = "254"

var phoneRe = regexp.MustCompile(`^254\d{9}$`)

// NormalizePhone converts a local or international number to the canonical
// 254XXXXXXXXX form. It does not validate the result.
func NormalizePhone(raw string) string {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	s = strings.TrimPrefix(s, "+")

	switch {
	case strings.HasPrefix(s, "0"):
		return CountryCode + s[1:]
	case strings.HasPrefix(s, CountryCode):
		return s
	default:
		return CountryCode + s
	}
}

// ParsePhone normalizes raw and checks that it is a valid subscriber number.
func ParsePhone(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", apperr.Invalid("phoneNumber", "required")
	}
	p := NormalizePhone(raw)
	if !phoneRe.MatchString(p) {
		return "", apperr.Invalid("phoneNumber", "must be a valid Kenyan mobile number")
	}
	return p, nil
}

// PushRequest asks the provider to prompt a payer for a payment.
type PushRequest struct {
	// Phone is the canonical payer number.
	Phone string
	// Amount is in whole currency units; the provider rejects fractions.
	Amount int64
	// Reference correlates the payment with the order.
	Reference   string
	Description string
}

// PushResponse is the provider's synchronous acknowledgement of a push.
type PushResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// PushStatus is the provider's view of an earlier push.
type PushStatus struct {
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	ResultCode          string
	ResultDesc          string
}

// Gateway is the push-payment provider. Implementations return
// *apperr.ProviderError for authentication or submission failures.
type Gateway interface {
	InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error)
	QueryPush(ctx context.Context, checkoutRequestID string) (*PushStatus, error)
}

// Well-known notification metadata names.
const (
	MetaReceipt = "MpesaReceiptNumber"
	MetaPhone   = "PhoneNumber"
	MetaAmount  = "Amount"
)

// MetadataItem is one named value from a notification.
type MetadataItem struct {
	Name  string
	Value string
}

// Notification is the asynchronous result of a push.
type Notification struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Metadata          []MetadataItem
}

// Succeeded reports whether the payer authorized the payment.
func (n *Notification) Succeeded() bool {
	return n.ResultCode == 0
}

// Lookup returns the metadata value with the given name. Items are matched by
// name because the provider does not guarantee their order.
func (n *Notification) Lookup(name string) (string, bool) {
	for _, it := range n.Metadata {
		if it.Name == name {
			return it.Value, true
		}
	}
	return "", false
}

// Receipt returns the provider receipt number, if present.
func (n *Notification) Receipt() string {
	v, _ := n.Lookup(MetaReceipt)
	return v
}

// Phone returns the payer phone number, if present.
func (n *Notification) Phone() string {
	v, _ := n.Lookup(MetaPhone)
	return v
}

// Amount returns the paid amount, if present and numeric.
func (n *Notification) Amount() (decimal.Decimal, bool) {
	v, ok := n.Lookup(MetaAmount)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
