package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/invoicing"
	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
)

type fakeRenderer struct {
	calls []invoicing.RenderRequest
	err   error
}

func (f *fakeRenderer) GeneratePDF(_ context.Context, req invoicing.RenderRequest) (invoicing.Invoice, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return invoicing.Invoice{}, f.err
	}
	return invoicing.Invoice{ID: req.InvoiceID, OrganizationID: req.OrganizationID, Status: invoicing.StatusReady}, nil
}

type fakeLister struct {
	pending   []invoicing.RenderRequest
	olderThan time.Duration
	limit     int
}

func (f *fakeLister) PendingRenders(_ context.Context, olderThan time.Duration, limit int) ([]invoicing.RenderRequest, error) {
	f.olderThan, f.limit = olderThan, limit
	return f.pending, nil
}

type fakeEnqueuer struct {
	calls  []string
	failOn int64
}

func (f *fakeEnqueuer) EnqueueInvoicePDF(_ context.Context, orgID, invoiceID int64, force bool) error {
	if invoiceID == f.failOn {
		return errors.New("redis down")
	}
	f.calls = append(f.calls, fmt.Sprintf("%d/%d/%t", orgID, invoiceID, force))
	return nil
}

func pdfTask(t *testing.T, payload InvoicePDFPayload) *asynq.Task {
	t.Helper()
	task, err := NewInvoicePDFTask(payload)
	require.NoError(t, err)
	return task
}

func TestInvoicePDFTaskID(t *testing.T) {
	payload := InvoicePDFPayload{OrganizationID: 1, InvoiceID: 42}
	at := time.Date(2024, 7, 1, 10, 0, 10, 0, time.UTC)

	first := InvoicePDFTaskID(payload, at, time.Minute)
	require.Equal(t, first, InvoicePDFTaskID(payload, at.Add(40*time.Second), time.Minute))
	require.NotEqual(t, first, InvoicePDFTaskID(payload, at.Add(time.Minute), time.Minute))

	payload.Force = true
	require.NotEqual(t, first, InvoicePDFTaskID(payload, at, time.Minute))
}

func TestNewInvoicePDFTask(t *testing.T) {
	task := pdfTask(t, InvoicePDFPayload{OrganizationID: 1, InvoiceID: 42, Force: true})
	require.Equal(t, TaskTypeInvoicePDF, task.Type())

	var decoded InvoicePDFPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, InvoicePDFPayload{OrganizationID: 1, InvoiceID: 42, Force: true}, decoded)

	_, err := NewInvoicePDFTask(InvoicePDFPayload{OrganizationID: 1})
	require.Error(t, err)
}

func TestInvoicePDFJobHandle(t *testing.T) {
	renderer := &fakeRenderer{}
	job := NewInvoicePDFJob(renderer, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), pdfTask(t, InvoicePDFPayload{OrganizationID: 1, InvoiceID: 42, Force: true})))
	require.Equal(t, []invoicing.RenderRequest{{OrganizationID: 1, InvoiceID: 42, Force: true}}, renderer.calls)
}

func TestInvoicePDFJobSkipsUnknownInvoice(t *testing.T) {
	job := NewInvoicePDFJob(&fakeRenderer{err: invoicing.ErrNotFound}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), pdfTask(t, InvoicePDFPayload{OrganizationID: 1, InvoiceID: 42}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestInvoicePDFJobRetriesRenderFailure(t *testing.T) {
	renderErr := fmt.Errorf("%w: gotenberg timeout", invoicing.ErrRender)
	job := NewInvoicePDFJob(&fakeRenderer{err: renderErr}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), pdfTask(t, InvoicePDFPayload{OrganizationID: 1, InvoiceID: 42}))
	require.ErrorIs(t, err, invoicing.ErrRender)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestInvoicePDFJobRejectsBadPayload(t *testing.T) {
	job := NewInvoicePDFJob(&fakeRenderer{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeInvoicePDF, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestInvoiceSweepJob(t *testing.T) {
	lister := &fakeLister{pending: []invoicing.RenderRequest{
		{OrganizationID: 1, InvoiceID: 7},
		{OrganizationID: 2, InvoiceID: 8},
		{OrganizationID: 2, InvoiceID: 9},
	}}
	queue := &fakeEnqueuer{failOn: 8}
	job := NewInvoiceSweepJob(lister, queue, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewInvoiceSweepTask(5*time.Minute, 50)
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorContains(t, err, "redis down")
	require.Equal(t, 5*time.Minute, lister.olderThan)
	require.Equal(t, 50, lister.limit)
	require.Equal(t, []string{"1/7/false", "2/9/false"}, queue.calls)
}

func TestInvoiceSweepJobDefaults(t *testing.T) {
	lister := &fakeLister{}
	job := NewInvoiceSweepJob(lister, &fakeEnqueuer{}, nil, nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskTypeInvoiceSweep, nil)))
	require.Equal(t, 2*time.Minute, lister.olderThan)
	require.Equal(t, 100, lister.limit)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"invoices","pending":0}`, rec.Body.String())
}
