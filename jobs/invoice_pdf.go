package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tillpoint/tillpoint/internal/invoicing"
	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// InvoiceRenderer is the part of the invoicing service the render job drives.
type InvoiceRenderer interface {
	GeneratePDF(ctx context.Context, req invoicing.RenderRequest) (invoicing.Invoice, error)
}

// InvoicePDFJob renders invoice PDFs queued by the API.
type InvoicePDFJob struct {
	Service InvoiceRenderer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoicePDFJob wires dependencies for the render handler.
func NewInvoicePDFJob(svc InvoiceRenderer, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoicePDFJob {
	return &InvoicePDFJob{Service: svc, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeInvoicePDF tasks. Render failures are returned so
// Asynq retries them; unknown invoices are dropped.
func (j *InvoicePDFJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("invoice pdf: handler not configured")
	}
	var payload InvoicePDFPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskTypeInvoicePDF)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int64("organization_id", payload.OrganizationID),
		slog.Int64("invoice_id", payload.InvoiceID),
	)
	start := time.Now()
	inv, err := j.Service.GeneratePDF(ctx, invoicing.RenderRequest{
		OrganizationID: payload.OrganizationID,
		InvoiceID:      payload.InvoiceID,
		Force:          payload.Force,
	})
	switch {
	case errors.Is(err, invoicing.ErrNotFound):
		logger.Warn("invoice pdf job skipped", slog.Any("error", err))
		resultErr = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		return resultErr
	case err != nil:
		logger.Error("invoice pdf job failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}
	logger.Info("invoice pdf job completed", slog.String("status", string(inv.Status)), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *InvoicePDFJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *InvoicePDFJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
