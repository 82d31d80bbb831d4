package invoicing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/sales"
)

var hundred = decimal.NewFromInt(100)

// Totals are the monetary summary of an invoice.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// SnapshotItems copies sale lines into invoice lines. Tax is only charged when
// gst is true. Amounts are rounded to paise per line.
func SnapshotItems(lines []sales.Item, gst bool) ([]Item, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", ErrValidation)
	}
	items := make([]Item, 0, len(lines))
	fields := httpx.FieldErrors{}
	for i, line := range lines {
		if !line.Quantity.IsPositive() {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be greater than zero"
		}
		if line.SellingPrice.IsNegative() {
			fields[fmt.Sprintf("items[%d].sellingPrice", i)] = "must not be negative"
		}
		amount := line.Quantity.Mul(line.SellingPrice).Round(2)
		taxRate := decimal.Zero
		tax := decimal.Zero
		if gst && line.TaxRate.IsPositive() {
			taxRate = line.TaxRate
			tax = amount.Mul(taxRate).Div(hundred).Round(2)
		}
		items = append(items, Item{
			ProductID: line.ProductID,
			Name:      line.ProductName,
			Quantity:  line.Quantity,
			Rate:      line.SellingPrice,
			Amount:    amount,
			TaxRate:   taxRate,
			Tax:       tax,
			Total:     amount.Add(tax),
		})
	}
	if len(fields) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, fields)
	}
	return items, nil
}

// ComputeTotals sums invoice lines and applies the sale discount, which is
// clamped to the gross amount.
func ComputeTotals(items []Item, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Amount)
		tax = tax.Add(item.Tax)
	}
	gross := subtotal.Add(tax)
	discount = discount.Round(2)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(gross) {
		discount = gross
	}
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    gross.Sub(discount),
	}
}
