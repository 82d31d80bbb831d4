package sales

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed access to sales.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads a sale and its items. Sales of other organizations are reported
// as not found.
func (r *Repository) Get(ctx context.Context, orgID, saleID int64) (Sale, error) {
	if r == nil || r.pool == nil {
		return Sale{}, fmt.Errorf("sales: repository not initialised")
	}
	const query = `SELECT
    s.id,
    o.organization_id,
    s.outlet_id,
    s.table_id,
    s.sale_date,
    s.total_amount,
    COALESCE(s.discount_amount, 0),
    s.sold_by,
    s.payment_type,
    s.is_paid,
    s.customer_name,
    s.customer_phone,
    s.created_at
FROM sales s
JOIN outlets o ON o.id = s.outlet_id
WHERE s.id = $1 AND o.organization_id = $2`
	var (
		sale    Sale
		tableID sql.NullInt64
		payment string
		name    sql.NullString
		phone   sql.NullString
	)
	err := r.pool.QueryRow(ctx, query, saleID, orgID).Scan(
		&sale.ID,
		&sale.OrganizationID,
		&sale.OutletID,
		&tableID,
		&sale.Date,
		&sale.TotalAmount,
		&sale.DiscountAmount,
		&sale.SoldBy,
		&payment,
		&sale.IsPaid,
		&name,
		&phone,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrNotFound
		}
		return Sale{}, err
	}
	if tableID.Valid {
		id := tableID.Int64
		sale.TableID = &id
	}
	sale.PaymentType = PaymentType(payment)
	sale.CustomerName = name.String
	sale.CustomerPhone = phone.String

	items, err := r.items(ctx, sale.ID)
	if err != nil {
		return Sale{}, err
	}
	sale.Items = items
	return sale, nil
}

func (r *Repository) items(ctx context.Context, saleID int64) ([]Item, error) {
	const query = `SELECT
    si.product_id,
    COALESCE(p.name, ''),
    si.quantity,
    si.selling_price,
    si.subtotal,
    COALESCE(p.gst_rate, 0)
FROM sale_items si
LEFT JOIN products p ON p.id = si.product_id
WHERE si.sale_id = $1
ORDER BY si.id`
	rows, err := r.pool.Query(ctx, query, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.SellingPrice, &item.Subtotal, &item.TaxRate); err != nil {
			return nil, err
		}
		if item.Subtotal.IsZero() {
			item.Subtotal = item.Quantity.Mul(item.SellingPrice)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdatePayment sets the payment fields of a sale.
func (r *Repository) UpdatePayment(ctx context.Context, orgID, saleID int64, paymentType PaymentType, isPaid bool) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("sales: repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE sales s SET payment_type = $3, is_paid = $4, updated_at = NOW()
FROM outlets o
WHERE s.id = $1 AND o.id = s.outlet_id AND o.organization_id = $2`, saleID, orgID, string(paymentType), isPaid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
