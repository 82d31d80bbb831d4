package invoicing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/platform/db"
)

// Constraint names from scripts/schema/invoicing.sql.
const (
	constraintOrgNumber      = "invoices_org_number_key"
	constraintScopeSerial    = "invoices_org_scope_serial_key"
	constraintSequencePK     = "invoice_sequences_pkey"
	constraintBillingSession = "invoices_org_billing_session_key"
)

const invoiceColumns = `id,
    organization_id,
    branch_id,
    billing_session_id,
    invoice_number,
    invoice_prefix,
    invoice_serial,
    invoice_period,
    customer_name,
    customer_phone,
    customer_gstin,
    items,
    subtotal,
    tax_amount,
    discount_amount,
    total,
    gst_applied,
    pdf_status,
    pdf_url,
    html_snapshot,
    render_attempts,
    last_render_error,
    render_started_at,
    pdf_generated_at,
    created_by,
    created_at,
    updated_at`

// Repository persists invoices and numbering sequences in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository wrapper.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertNumbered allocates the next serial of the invoice's scope and inserts
// the invoice in the same transaction. Lost races are reported as
// ErrNumberingConflict so the caller can retry the whole unit.
func (r *Repository) InsertNumbered(ctx context.Context, inv Invoice, padding int) (Invoice, error) {
	if r == nil || r.pool == nil {
		return Invoice{}, fmt.Errorf("invoicing: repository not initialised")
	}
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return Invoice{}, err
	}
	const allocate = `INSERT INTO invoice_sequences (organization_id, prefix, period, last_value)
VALUES ($1, $2, $3, COALESCE((
    SELECT MAX(invoice_serial) FROM invoices
    WHERE organization_id = $1 AND invoice_prefix = $2 AND invoice_period = $3
), 0) + 1)
ON CONFLICT (organization_id, prefix, period)
DO UPDATE SET last_value = invoice_sequences.last_value + 1, updated_at = NOW()
RETURNING last_value`
	const insert = `INSERT INTO invoices (
    organization_id, branch_id, billing_session_id,
    invoice_number, invoice_prefix, invoice_serial, invoice_period,
    customer_name, customer_phone, customer_gstin,
    items, subtotal, tax_amount, discount_amount, total, gst_applied,
    pdf_status, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,'queued',$17,$18,$18)
RETURNING id`
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, allocate, inv.OrganizationID, inv.Prefix, inv.Period).Scan(&inv.Serial); err != nil {
			return err
		}
		inv.Number = FormatNumber(inv.Prefix, inv.Serial, padding, inv.Period)
		return tx.QueryRow(ctx, insert,
			inv.OrganizationID,
			inv.BranchID,
			inv.BillingSessionID,
			inv.Number,
			inv.Prefix,
			inv.Serial,
			inv.Period,
			nullString(inv.Customer.Name),
			nullString(inv.Customer.Phone),
			nullString(inv.Customer.GSTIN),
			items,
			inv.Subtotal,
			inv.TaxAmount,
			inv.DiscountAmount,
			inv.Total,
			inv.GSTApplied,
			inv.CreatedBy,
			inv.CreatedAt,
		).Scan(&inv.ID)
	})
	if err != nil {
		return Invoice{}, classifyInsertError(err)
	}
	return r.Get(ctx, inv.OrganizationID, inv.ID)
}

// classifyInsertError maps constraint failures of InsertNumbered. Races on
// the sequence or the scope serial are retryable. A clash on the invoice
// number alone comes from overlapping prefixes and is not.
func classifyInsertError(err error) error {
	switch {
	case db.IsUniqueViolation(err, constraintBillingSession):
		return ErrDuplicateSale
	case db.IsSerializationFailure(err), db.IsUniqueViolation(err, constraintScopeSerial, constraintSequencePK):
		return fmt.Errorf("%w: %v", ErrNumberingConflict, err)
	case db.IsUniqueViolation(err, constraintOrgNumber):
		return ErrNumberCollision
	default:
		return err
	}
}

// Get loads an invoice owned by orgID.
func (r *Repository) Get(ctx context.Context, orgID, id int64) (Invoice, error) {
	if r == nil || r.pool == nil {
		return Invoice{}, fmt.Errorf("invoicing: repository not initialised")
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 AND organization_id = $2`
	return oneInvoice(r.pool.QueryRow(ctx, query, id, orgID))
}

// FindBySale returns the invoice created from a sale, if any.
func (r *Repository) FindBySale(ctx context.Context, orgID, saleID int64) (Invoice, error) {
	if r == nil || r.pool == nil {
		return Invoice{}, fmt.Errorf("invoicing: repository not initialised")
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices
WHERE organization_id = $1 AND billing_session_id = $2
ORDER BY id
LIMIT 1`
	return oneInvoice(r.pool.QueryRow(ctx, query, orgID, saleID))
}

// List returns a page of invoices, newest first, and the total match count.
// HTML snapshots are left out of listings.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	if r == nil || r.pool == nil {
		return nil, 0, fmt.Errorf("invoicing: repository not initialised")
	}
	filter = filter.Normalise()
	var from, before any
	if !filter.CreatedFrom.IsZero() {
		from = filter.CreatedFrom
	}
	if !filter.CreatedBefore.IsZero() {
		before = filter.CreatedBefore
	}
	customer := ""
	if filter.Customer != "" {
		customer = "%" + escapeLike(filter.Customer) + "%"
	}
	const where = `WHERE organization_id = $1
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
  AND ($4 = '' OR customer_name ILIKE $4 OR customer_phone ILIKE $4)
  AND ($5 = '' OR pdf_status = $5)`
	args := []any{filter.OrganizationID, from, before, customer, string(filter.Status)}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []Invoice{}, 0, nil
	}
	columns := strings.Replace(invoiceColumns, "html_snapshot", "NULL::text", 1)
	query := `SELECT ` + columns + ` FROM invoices ` + where + `
ORDER BY created_at DESC, id DESC
LIMIT $6 OFFSET $7`
	rows, err := r.pool.Query(ctx, query, append(args, filter.Size, filter.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	invoices := make([]Invoice, 0, filter.Size)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// ClaimRender moves a queued invoice, or one whose render lease started before
// staleBefore, to generating. The returned RenderStartedAt is the claim token.
func (r *Repository) ClaimRender(ctx context.Context, orgID, id int64, now, staleBefore time.Time) (Invoice, error) {
	if r == nil || r.pool == nil {
		return Invoice{}, fmt.Errorf("invoicing: repository not initialised")
	}
	query := `UPDATE invoices
SET pdf_status = 'generating', render_started_at = $3, render_attempts = render_attempts + 1, updated_at = $3
WHERE id = $1 AND organization_id = $2
  AND (pdf_status = 'queued' OR (pdf_status = 'generating' AND render_started_at < $4))
RETURNING ` + invoiceColumns
	inv, err := oneInvoice(r.pool.QueryRow(ctx, query, id, orgID, now, staleBefore))
	if errors.Is(err, ErrNotFound) {
		return Invoice{}, ErrClaimLost
	}
	return inv, err
}

// ReleaseRender returns a generating invoice to queued and records why the
// render failed. token must match the claim.
func (r *Repository) ReleaseRender(ctx context.Context, orgID, id int64, token time.Time, reason string) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("invoicing: repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE invoices
SET pdf_status = 'queued', render_started_at = NULL, last_render_error = $4, updated_at = NOW()
WHERE id = $1 AND organization_id = $2 AND pdf_status = 'generating' AND render_started_at = $3`,
		id, orgID, token, truncateError(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkReady stores the render result. A nil token re-renders an invoice that
// is already ready; otherwise the claim token must still hold.
func (r *Repository) MarkReady(ctx context.Context, orgID, id int64, token *time.Time, html, url string, at time.Time) (Invoice, error) {
	if r == nil || r.pool == nil {
		return Invoice{}, fmt.Errorf("invoicing: repository not initialised")
	}
	query := `UPDATE invoices
SET pdf_status = 'ready', pdf_url = $4, html_snapshot = $5, pdf_generated_at = $6,
    render_started_at = NULL, last_render_error = NULL, updated_at = $6
WHERE id = $1 AND organization_id = $2
  AND (pdf_status = 'ready' OR ($3::timestamptz IS NOT NULL AND pdf_status = 'generating' AND render_started_at = $3))
RETURNING ` + invoiceColumns
	inv, err := oneInvoice(r.pool.QueryRow(ctx, query, id, orgID, token, url, html, at))
	if errors.Is(err, ErrNotFound) {
		return Invoice{}, ErrClaimLost
	}
	return inv, err
}

// ListPendingRenders returns invoices still queued since before queuedBefore
// and renders whose lease started before staleBefore, oldest first. Invoices
// claimed maxAttempts times or more are skipped.
func (r *Repository) ListPendingRenders(ctx context.Context, queuedBefore, staleBefore time.Time, maxAttempts, limit int) ([]RenderRequest, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("invoicing: repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT organization_id, id FROM invoices
WHERE render_attempts < $3
  AND ((pdf_status = 'queued' AND updated_at < $1)
    OR (pdf_status = 'generating' AND render_started_at < $2))
ORDER BY updated_at, id
LIMIT $4`, queuedBefore, staleBefore, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []RenderRequest
	for rows.Next() {
		var req RenderRequest
		if err := rows.Scan(&req.OrganizationID, &req.InvoiceID); err != nil {
			return nil, err
		}
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

func oneInvoice(row pgx.Row) (Invoice, error) {
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	return inv, nil
}

func scanInvoice(row interface{ Scan(dest ...any) error }) (Invoice, error) {
	var (
		inv            Invoice
		branchID       sql.NullInt64
		billingSession sql.NullInt64
		customerName   sql.NullString
		customerPhone  sql.NullString
		customerGSTIN  sql.NullString
		items          []byte
		status         string
		pdfURL         sql.NullString
		html           sql.NullString
		lastError      sql.NullString
		startedAt      sql.NullTime
		generatedAt    sql.NullTime
	)
	if err := row.Scan(
		&inv.ID,
		&inv.OrganizationID,
		&branchID,
		&billingSession,
		&inv.Number,
		&inv.Prefix,
		&inv.Serial,
		&inv.Period,
		&customerName,
		&customerPhone,
		&customerGSTIN,
		&items,
		&inv.Subtotal,
		&inv.TaxAmount,
		&inv.DiscountAmount,
		&inv.Total,
		&inv.GSTApplied,
		&status,
		&pdfURL,
		&html,
		&inv.RenderAttempts,
		&lastError,
		&startedAt,
		&generatedAt,
		&inv.CreatedBy,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	); err != nil {
		return Invoice{}, err
	}
	if branchID.Valid {
		v := branchID.Int64
		inv.BranchID = &v
	}
	if billingSession.Valid {
		v := billingSession.Int64
		inv.BillingSessionID = &v
	}
	inv.Customer = Customer{Name: customerName.String, Phone: customerPhone.String, GSTIN: customerGSTIN.String}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &inv.Items); err != nil {
			return Invoice{}, fmt.Errorf("invoicing: decode items: %w", err)
		}
	}
	inv.Status = Status(status)
	inv.PDFURL = pdfURL.String
	inv.HTMLSnapshot = html.String
	inv.LastRenderError = lastError.String
	if startedAt.Valid {
		v := startedAt.Time
		inv.RenderStartedAt = &v
	}
	if generatedAt.Valid {
		v := generatedAt.Time
		inv.PDFGeneratedAt = &v
	}
	return inv, nil
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

func truncateError(msg string) string {
	const limit = 1000
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit])
}
