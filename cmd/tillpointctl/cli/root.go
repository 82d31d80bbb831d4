// Package cli implements the tillpointctl commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillpoint/tillpoint/internal/auth"
	"github.com/tillpoint/tillpoint/internal/invoicing"
	"github.com/tillpoint/tillpoint/internal/sales"
)

// InvoiceOps are the invoicing operations reachable from the CLI.
type InvoiceOps interface {
	GeneratePDF(ctx context.Context, req invoicing.RenderRequest) (invoicing.Invoice, error)
	Enqueue(ctx context.Context, orgID, id int64, force bool) (invoicing.Invoice, error)
}

// SettingsInvalidator drops cached organization settings.
type SettingsInvalidator interface {
	Invalidate(ctx context.Context, orgID int64) error
}

// SalePayments corrects the settlement of a sale.
type SalePayments interface {
	UpdatePayment(ctx context.Context, orgID, saleID int64, req sales.UpdatePaymentRequest) (sales.Sale, error)
}

// Deps opens the dependencies of each command lazily, so commands that do
// not need a database never connect to one. Every opener returns a release
// func that must be called once the command is done.
type Deps struct {
	Invoices func(ctx context.Context) (InvoiceOps, func(), error)
	Settings func(ctx context.Context) (SettingsInvalidator, func(), error)
	Sales    func(ctx context.Context) (SalePayments, func(), error)
	Jobs     func() (*JobsCLI, error)
	Tokens   func() (*auth.Tokens, error)
}

// NewRootCommand assembles the tillpointctl command tree.
func NewRootCommand(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "tillpointctl",
		Short:         "Operate invoice numbering and PDF rendering",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRenderCommand(deps),
		newEnqueueCommand(deps),
		newQueueCommand(deps),
		newWaitCommand(),
		newTokenCommand(deps),
		newInvalidateSettingsCommand(deps),
		newSaleCommand(deps),
	)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type invoiceSummary struct {
	ID              int64            `json:"id"`
	Number          string           `json:"invoiceNumber"`
	Status          invoicing.Status `json:"status"`
	PDFURL          string           `json:"pdfUrl,omitempty"`
	RenderAttempts  int              `json:"renderAttempts"`
	LastRenderError string           `json:"lastRenderError,omitempty"`
	PDFGeneratedAt  *time.Time       `json:"pdfGeneratedAt,omitempty"`
}

func summarise(inv invoicing.Invoice) invoiceSummary {
	return invoiceSummary{
		ID:              inv.ID,
		Number:          inv.Number,
		Status:          inv.Status,
		PDFURL:          inv.PDFURL,
		RenderAttempts:  inv.RenderAttempts,
		LastRenderError: inv.LastRenderError,
		PDFGeneratedAt:  inv.PDFGeneratedAt,
	}
}

func requirePositive(name string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("--%s must be a positive id", name)
	}
	return nil
}
