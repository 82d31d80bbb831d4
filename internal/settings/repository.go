package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads invoice settings and outlet codes from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository wrapper.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads the settings of an organization together with its branding.
func (r *Repository) Get(ctx context.Context, orgID int64) (Settings, error) {
	if r == nil || r.pool == nil {
		return Settings{}, fmt.Errorf("settings: repository not initialised")
	}
	const query = `SELECT
    s.organization_id,
    s.enable_invoices,
    s.gst_enabled,
    COALESCE(s.invoice_prefix, ''),
    s.invoice_branch_prefix,
    s.invoice_reset_cycle,
    s.invoice_padding,
    s.display_format,
    s.include_logo,
    COALESCE(o.name, ''),
    COALESCE(o.address, ''),
    COALESCE(o.phone, ''),
    COALESCE(o.gstin, ''),
    o.logo_url,
    s.footer_note
FROM organization_invoice_settings s
JOIN organizations o ON o.id = s.organization_id
WHERE s.organization_id = $1`
	var (
		s       Settings
		cycle   string
		format  string
		logoURL sql.NullString
		footer  sql.NullString
	)
	err := r.pool.QueryRow(ctx, query, orgID).Scan(
		&s.OrganizationID,
		&s.EnableInvoices,
		&s.GSTEnabled,
		&s.Prefix,
		&s.BranchPrefix,
		&cycle,
		&s.Padding,
		&format,
		&s.IncludeLogo,
		&s.Branding.BusinessName,
		&s.Branding.Address,
		&s.Branding.Phone,
		&s.Branding.GSTIN,
		&logoURL,
		&footer,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, err
	}
	s.ResetCycle = ResetCycle(cycle)
	s.DisplayFormat = DisplayFormat(format)
	s.Branding.LogoURL = logoURL.String
	s.Branding.FooterNote = footer.String
	return s.Normalise(), nil
}

// BranchCode returns the short code of an outlet owned by the organization.
// Outlets without a code yield an empty string.
func (r *Repository) BranchCode(ctx context.Context, orgID, outletID int64) (string, error) {
	if r == nil || r.pool == nil {
		return "", fmt.Errorf("settings: repository not initialised")
	}
	var code sql.NullString
	err := r.pool.QueryRow(ctx, `SELECT code FROM outlets WHERE id = $1 AND organization_id = $2`, outletID, orgID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return code.String, nil
}
