// Package invoicing turns sales into numbered invoice snapshots and manages
// the lifecycle of their PDF artefacts.
package invoicing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
)

// Errors surfaced by the service. Each wraps the httpx sentinel that decides
// its HTTP status.
var (
	ErrValidation          = fmt.Errorf("invoicing: %w", httpx.ErrValidation)
	ErrFeatureDisabled     = fmt.Errorf("invoicing: invoicing is not enabled for this organization: %w", httpx.ErrForbidden)
	ErrNotFound            = fmt.Errorf("invoicing: %w", httpx.ErrNotFound)
	ErrConcurrencyConflict = fmt.Errorf("invoicing: could not allocate an invoice number, try again: %w", httpx.ErrUnavailable)
	ErrRender              = fmt.Errorf("invoicing: pdf render failed: %w", httpx.ErrUpstream)
	ErrPDFNotReady         = fmt.Errorf("invoicing: pdf is not ready: %w", httpx.ErrConflict)

	// ErrNumberCollision means two numbering scopes produced the same number,
	// for example prefix "A" at serial 10001 and branch prefix "A1" at serial 1.
	// Retrying cannot help; the prefixes have to be changed.
	ErrNumberCollision = fmt.Errorf("invoicing: invoice number already issued under another prefix: %w", httpx.ErrConflict)
)

// Repository level signals. They never reach the HTTP boundary.
var (
	// ErrNumberingConflict marks an allocation that lost a race and may be retried.
	ErrNumberingConflict = errors.New("invoicing: numbering conflict")
	// ErrDuplicateSale marks an insert rejected because the sale is already invoiced.
	ErrDuplicateSale = errors.New("invoicing: sale already invoiced")
	// ErrClaimLost marks a status transition whose precondition no longer holds.
	ErrClaimLost = errors.New("invoicing: render claim lost")
)

// Status is the PDF lifecycle of an invoice.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
)

// NormaliseStatus maps free-form input to a Status, returning "" when unknown.
func NormaliseStatus(v string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(v))) {
	case StatusQueued:
		return StatusQueued
	case StatusGenerating:
		return StatusGenerating
	case StatusReady:
		return StatusReady
	default:
		return ""
	}
}

// Customer is copied onto the invoice at creation time.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	GSTIN string `json:"gstin,omitempty"`
}

// Item is an immutable invoice line.
type Item struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
	TaxRate   decimal.Decimal `json:"taxRate"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
}

// Invoice is a point-in-time snapshot of a sale.
type Invoice struct {
	ID               int64           `json:"id"`
	OrganizationID   int64           `json:"organizationId"`
	BranchID         *int64          `json:"branchId,omitempty"`
	BillingSessionID *int64          `json:"billingSessionId,omitempty"`
	Number           string          `json:"invoiceNumber"`
	Prefix           string          `json:"invoicePrefix"`
	Serial           int64           `json:"invoiceSerial"`
	Period           string          `json:"invoicePeriod,omitempty"`
	Customer         Customer        `json:"customer"`
	Items            []Item          `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"taxAmount"`
	DiscountAmount   decimal.Decimal `json:"discountAmount"`
	Total            decimal.Decimal `json:"total"`
	GSTApplied       bool            `json:"gstApplied"`
	Status           Status          `json:"status"`
	PDFURL           string          `json:"pdfUrl,omitempty"`
	HTMLSnapshot     string          `json:"htmlSnapshot,omitempty"`
	RenderAttempts   int             `json:"renderAttempts"`
	LastRenderError  string          `json:"lastRenderError,omitempty"`
	RenderStartedAt  *time.Time      `json:"renderStartedAt,omitempty"`
	PDFGeneratedAt   *time.Time      `json:"pdfGeneratedAt,omitempty"`
	CreatedBy        int64           `json:"createdBy"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// StorageKey addresses the PDF of an invoice in object storage.
func StorageKey(orgID, invoiceID int64) string {
	return "organizations/" + strconv.FormatInt(orgID, 10) + "/invoices/" + strconv.FormatInt(invoiceID, 10) + ".pdf"
}

// CreateRequest asks for an invoice built from a sale.
type CreateRequest struct {
	OrganizationID int64  `json:"-" validate:"required,gt=0"`
	SaleID         int64  `json:"-" validate:"required,gt=0"`
	ActorID        int64  `json:"-"`
	CustomerName   string `json:"customerName,omitempty" validate:"omitempty,max=120"`
	CustomerPhone  string `json:"customerPhone,omitempty" validate:"omitempty,phone"`
	CustomerGSTIN  string `json:"customerGstin,omitempty" validate:"omitempty,gstin"`
	ForceSyncPDF   bool   `json:"forceSyncPdf,omitempty"`
}

// CreateResult reports the invoice and whether this call created it.
type CreateResult struct {
	Invoice Invoice
	Created bool
}

// ListFilter narrows invoice listings. From and To are inclusive calendar
// days; CreatedFrom and CreatedBefore are the instants the store filters on
// and are derived from them by the service.
type ListFilter struct {
	OrganizationID int64
	From           *time.Time
	To             *time.Time
	Customer       string
	Status         Status
	Page           int
	Size           int

	CreatedFrom   time.Time
	CreatedBefore time.Time
}

// List size bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalise clamps paging values.
func (f ListFilter) Normalise() ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	switch {
	case f.Size <= 0:
		f.Size = DefaultPageSize
	case f.Size > MaxPageSize:
		f.Size = MaxPageSize
	}
	f.Customer = strings.TrimSpace(f.Customer)
	return f
}

// Offset returns the row offset of the current page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Size
}

// RenderRequest identifies a PDF render.
type RenderRequest struct {
	OrganizationID int64
	InvoiceID      int64
	Force          bool
	ActorID        int64
}

// DownloadURL maps storage keys produced by StorageKey to the authenticated
// download route under base, so a PDF keeps its URL across re-renders.
func DownloadURL(base string) func(key string) string {
	base = strings.TrimRight(base, "/")
	return func(key string) string {
		return base + "/" + strings.TrimSuffix(key, ".pdf") + "/pdf"
	}
}
