package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueInvoices carries invoice PDF renders.
	QueueInvoices = "invoices"
	// TaskTypeInvoicePDF renders the PDF of one invoice.
	TaskTypeInvoicePDF = "invoice:pdf"
	// TaskTypeInvoiceSweep re-enqueues renders that have been waiting too long.
	TaskTypeInvoiceSweep = "invoice:pdf-sweep"
)

var taskNamespace = uuid.MustParse("3f6c1f2e-8e0b-4d4b-9a51-1d1f6f0c2b7a")

// InvoicePDFPayload identifies the invoice to render.
type InvoicePDFPayload struct {
	OrganizationID int64 `json:"organization_id"`
	InvoiceID      int64 `json:"invoice_id"`
	Force          bool  `json:"force,omitempty"`
}

// InvoiceSweepPayload tunes a sweep run.
type InvoiceSweepPayload struct {
	OlderThanSeconds int `json:"older_than_seconds"`
	Limit            int `json:"limit"`
}

// InvoicePDFTaskID derives a stable task id so bursts of enqueues for the same
// render within one bucket collapse into a single task.
func InvoicePDFTaskID(payload InvoicePDFPayload, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	slot := at.UTC().Truncate(bucket).Unix()
	name := fmt.Sprintf("%s/%d/%d/%t/%d", TaskTypeInvoicePDF, payload.OrganizationID, payload.InvoiceID, payload.Force, slot)
	return uuid.NewSHA1(taskNamespace, []byte(name)).String()
}

// NewInvoicePDFTask constructs an Asynq task.
func NewInvoicePDFTask(payload InvoicePDFPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if payload.OrganizationID <= 0 || payload.InvoiceID <= 0 {
		return nil, fmt.Errorf("jobs: invoice pdf task needs organization and invoice ids")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInvoicePDF, data, opts...), nil
}

// NewInvoiceSweepTask constructs the periodic sweep task.
func NewInvoiceSweepTask(olderThan time.Duration, limit int) (*asynq.Task, error) {
	data, err := json.Marshal(InvoiceSweepPayload{OlderThanSeconds: int(olderThan.Seconds()), Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInvoiceSweep, data), nil
}
