package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tillpoint/tillpoint/internal/invoicing"
	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
)

// PendingRenderLister finds renders that have waited too long.
type PendingRenderLister interface {
	PendingRenders(ctx context.Context, olderThan time.Duration, limit int) ([]invoicing.RenderRequest, error)
}

// InvoiceEnqueuer schedules renders.
type InvoiceEnqueuer interface {
	EnqueueInvoicePDF(ctx context.Context, orgID, invoiceID int64, force bool) error
}

// InvoiceSweepJob re-enqueues invoices stuck in queued and renders whose
// lease expired with their worker.
type InvoiceSweepJob struct {
	Service PendingRenderLister
	Queue   InvoiceEnqueuer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoiceSweepJob wires dependencies for the sweep handler.
func NewInvoiceSweepJob(svc PendingRenderLister, queue InvoiceEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceSweepJob {
	return &InvoiceSweepJob{Service: svc, Queue: queue, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeInvoiceSweep tasks.
func (j *InvoiceSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil || j.Queue == nil {
		return errors.New("invoice sweep: handler not configured")
	}
	var payload InvoiceSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	olderThan := time.Duration(payload.OlderThanSeconds) * time.Second
	if olderThan <= 0 {
		olderThan = 2 * time.Minute
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = 100
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskTypeInvoiceSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pending, err := j.Service.PendingRenders(ctx, olderThan, limit)
	if err != nil {
		logger.Error("list pending renders", slog.Any("error", err))
		resultErr = err
		return resultErr
	}
	var errs []error
	enqueued := 0
	for _, req := range pending {
		if err := j.Queue.EnqueueInvoicePDF(ctx, req.OrganizationID, req.InvoiceID, false); err != nil {
			errs = append(errs, err)
			continue
		}
		enqueued++
	}
	if len(pending) > 0 {
		logger.Info("invoice render sweep", slog.Int("pending", len(pending)), slog.Int("enqueued", enqueued))
	}
	resultErr = errors.Join(errs...)
	return resultErr
}
