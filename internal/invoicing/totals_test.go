package invoicing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/sales"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestTotalsWithoutTax(t *testing.T) {
	lines := []sales.Item{
		{ProductID: 1, ProductName: "Idli", Quantity: dec("2"), SellingPrice: dec("100"), TaxRate: dec("5")},
		{ProductID: 2, ProductName: "Chai", Quantity: dec("1"), SellingPrice: dec("50"), TaxRate: dec("5")},
	}
	items, err := SnapshotItems(lines, false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.True(t, items[0].Tax.IsZero())

	totals := ComputeTotals(items, decimal.Zero)
	require.Equal(t, "250", totals.Subtotal.String())
	require.Equal(t, "250", totals.Total.String())
	require.True(t, totals.Tax.IsZero())
}

func TestTotalsWithGSTAndDiscount(t *testing.T) {
	lines := []sales.Item{
		{ProductID: 1, ProductName: "Thali", Quantity: dec("3"), SellingPrice: dec("99.99"), TaxRate: dec("5")},
		{ProductID: 2, ProductName: "Water", Quantity: dec("1.5"), SellingPrice: dec("20"), TaxRate: dec("18")},
	}
	items, err := SnapshotItems(lines, true)
	require.NoError(t, err)

	require.Equal(t, "299.97", items[0].Amount.String())
	require.Equal(t, "15", items[0].Tax.StringFixed(0))
	require.Equal(t, "5.4", items[1].Tax.String())

	totals := ComputeTotals(items, dec("10"))
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Total)
	}
	require.True(t, sum.Equal(totals.Subtotal.Add(totals.Tax)))
	require.True(t, totals.Total.Equal(totals.Subtotal.Add(totals.Tax).Sub(totals.Discount)))
	require.Equal(t, "10", totals.Discount.String())
}

func TestDiscountIsClamped(t *testing.T) {
	items, err := SnapshotItems([]sales.Item{{Quantity: dec("1"), SellingPrice: dec("40")}}, false)
	require.NoError(t, err)

	require.True(t, ComputeTotals(items, dec("100")).Total.IsZero())
	require.Equal(t, "40", ComputeTotals(items, dec("-5")).Total.String())
}

func TestSnapshotItemsValidation(t *testing.T) {
	_, err := SnapshotItems(nil, false)
	require.ErrorIs(t, err, ErrValidation)

	_, err = SnapshotItems([]sales.Item{{Quantity: dec("0"), SellingPrice: dec("-1")}}, false)
	require.ErrorIs(t, err, ErrValidation)
	var fields httpx.FieldErrors
	require.ErrorAs(t, err, &fields)
	require.Contains(t, fields, "items[0].quantity")
	require.Contains(t, fields, "items[0].sellingPrice")
}
