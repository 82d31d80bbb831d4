// Package sales exposes completed point-of-sale transactions.
package sales

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("sales: sale not found")
	ErrInvalidPaymentType = errors.New("sales: invalid payment type")
)

// PaymentType enumerates accepted tenders.
type PaymentType string

const (
	PaymentCash PaymentType = "cash"
	PaymentUPI  PaymentType = "upi"
)

// ParsePaymentType validates a payment type string.
func ParsePaymentType(v string) (PaymentType, error) {
	switch PaymentType(strings.ToLower(strings.TrimSpace(v))) {
	case PaymentCash:
		return PaymentCash, nil
	case PaymentUPI:
		return PaymentUPI, nil
	default:
		return "", ErrInvalidPaymentType
	}
}

// Sale is a completed checkout. Only the payment fields change after creation.
type Sale struct {
	ID             int64           `json:"id"`
	OrganizationID int64           `json:"organization_id"`
	OutletID       int64           `json:"outlet_id"`
	TableID        *int64          `json:"table_id,omitempty"`
	Date           time.Time       `json:"date"`
	Items          []Item          `json:"items"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	SoldBy         int64           `json:"sold_by"`
	PaymentType    PaymentType     `json:"payment_type"`
	IsPaid         bool            `json:"is_paid"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Item is one sale line. ProductName and TaxRate are read from the product
// catalogue at load time.
type Item struct {
	ProductID    int64           `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Quantity     decimal.Decimal `json:"quantity"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
}

// UpdatePaymentRequest changes how a sale was settled.
type UpdatePaymentRequest struct {
	PaymentType string `json:"paymentType" validate:"required,oneof=cash upi CASH UPI"`
	IsPaid      bool   `json:"isPaid"`
}
