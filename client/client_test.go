package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/invoicing"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
)

func writeInvoice(w http.ResponseWriter, status int, inv invoicing.Invoice) {
	httpx.JSON(w, status, InvoiceResult{Invoice: inv, Status: inv.Status, PDFURL: inv.PDFURL})
}

func queued() invoicing.Invoice {
	return invoicing.Invoice{ID: 42, OrganizationID: 1, Number: "INV-0001", Status: invoicing.StatusQueued}
}

func ready() invoicing.Invoice {
	inv := queued()
	inv.Status = invoicing.StatusReady
	inv.PDFURL = "https://api.example.test/organizations/1/invoices/42/pdf"
	return inv
}

func TestCreateInvoice(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /organizations/1/sales/5/invoice", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body CreateOptions
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Asha", body.CustomerName)
		if calls.Add(1) == 1 {
			writeInvoice(w, http.StatusCreated, queued())
			return
		}
		writeInvoice(w, http.StatusOK, queued())
	})
	mux.HandleFunc("POST /organizations/1/sales/6/invoice", func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, httpx.FieldErrors{"customerPhone": "phone"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL, "secret")

	res, created, err := c.CreateInvoice(context.Background(), 1, 5, CreateOptions{CustomerName: "Asha"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "INV-0001", res.Invoice.Number)

	_, created, err = c.CreateInvoice(context.Background(), 1, 5, CreateOptions{CustomerName: "Asha"})
	require.NoError(t, err)
	require.False(t, created)

	_, _, err = c.CreateInvoice(context.Background(), 1, 6, CreateOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, map[string]string{"customerPhone": "phone"}, apiErr.Fields)
	require.False(t, apiErr.Temporary())
}

func TestDownloadPDF(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42/pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	})
	mux.HandleFunc("GET /organizations/1/invoices/43/pdf", func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, invoicing.ErrPDFNotReady)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL+"/", "")

	data, err := c.DownloadPDF(context.Background(), 1, 42)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(data))

	_, err = c.DownloadPDF(context.Background(), 1, 43)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Contains(t, apiErr.Detail, "not ready")
}

func TestWaitForPDFReturnsReadyInvoice(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			writeInvoice(w, http.StatusOK, queued())
		case 2:
			httpx.RespondError(w, invoicing.ErrConcurrencyConflict)
		default:
			writeInvoice(w, http.StatusOK, ready())
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := New(srv.URL, "t").WaitForPDF(context.Background(), 1, 42, PollOptions{
		Interval: 5 * time.Millisecond,
		Ceiling:  5 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Pending)
	require.True(t, res.Invoice.Ready())
	require.Equal(t, ready().PDFURL, res.Invoice.PDFURL)
	require.Equal(t, 3, res.Attempts)
}

func TestWaitForPDFPendingAtCeiling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42", func(w http.ResponseWriter, r *http.Request) {
		writeInvoice(w, http.StatusOK, queued())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := New(srv.URL, "t").WaitForPDF(context.Background(), 1, 42, PollOptions{
		Interval: 5 * time.Millisecond,
		Ceiling:  40 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Equal(t, invoicing.StatusQueued, res.Invoice.Status)
	require.GreaterOrEqual(t, res.Attempts, 2)
}

func TestWaitForPDFTriggersRender(t *testing.T) {
	var posts, gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /organizations/1/invoices/42/pdf", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		writeInvoice(w, http.StatusAccepted, queued())
	})
	mux.HandleFunc("GET /organizations/1/invoices/42", func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		writeInvoice(w, http.StatusOK, ready())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := New(srv.URL, "t").WaitForPDF(context.Background(), 1, 42, PollOptions{
		Interval: 5 * time.Millisecond,
		Trigger:  true,
	})
	require.NoError(t, err)
	require.True(t, res.Invoice.Ready())
	require.EqualValues(t, 1, posts.Load())
	require.EqualValues(t, 1, gets.Load())
}

func TestWaitForPDFStopsOnClientError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42", func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, invoicing.ErrNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := New(srv.URL, "t").WaitForPDF(context.Background(), 1, 42, PollOptions{Interval: 5 * time.Millisecond})
	require.Error(t, err)
	require.True(t, IsNotFound(err))
	require.Equal(t, 1, res.Attempts)
}

func TestWaitForPDFHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42", func(w http.ResponseWriter, r *http.Request) {
		writeInvoice(w, http.StatusOK, queued())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "t").WaitForPDF(ctx, 1, 42, PollOptions{Interval: 5 * time.Millisecond, Ceiling: time.Minute})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func slowHandler(delay time.Duration, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-time.After(delay):
			writeInvoice(w, http.StatusOK, queued())
		case <-r.Context().Done():
		}
	}
}

func TestWaitForPDFStopsSlowRequestAtCeiling(t *testing.T) {
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42", slowHandler(1500*time.Millisecond, &gets))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	started := time.Now()
	res, err := New(srv.URL, "t").WaitForPDF(context.Background(), 1, 42, PollOptions{
		Interval: 50 * time.Millisecond,
		Ceiling:  200 * time.Millisecond,
	})
	elapsed := time.Since(started)

	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Equal(t, 1, res.Attempts)
	require.EqualValues(t, 1, gets.Load())
	require.Less(t, elapsed, time.Second)
}

func TestWaitForPDFBoundsTriggerByCeiling(t *testing.T) {
	var posts, gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /organizations/1/invoices/42/pdf", slowHandler(1500*time.Millisecond, &posts))
	mux.HandleFunc("GET /organizations/1/invoices/42", slowHandler(0, &gets))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	started := time.Now()
	res, err := New(srv.URL, "t").WaitForPDF(context.Background(), 1, 42, PollOptions{
		Interval: 50 * time.Millisecond,
		Ceiling:  150 * time.Millisecond,
		Trigger:  true,
	})

	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Less(t, time.Since(started), time.Second)
	require.EqualValues(t, 1, posts.Load())
	require.Zero(t, gets.Load())
}

func TestWaitForPDFParentCancelWinsOverCeiling(t *testing.T) {
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /organizations/1/invoices/42", slowHandler(time.Second, &gets))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := New(srv.URL, "t").WaitForPDF(ctx, 1, 42, PollOptions{Interval: 10 * time.Millisecond, Ceiling: time.Minute})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, res.Pending)
}
