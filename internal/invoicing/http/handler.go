package invoicinghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tillpoint/tillpoint/internal/auth"
	"github.com/tillpoint/tillpoint/internal/invoicing"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// Service is the invoicing behaviour the handler exposes.
type Service interface {
	CreateFromSale(ctx context.Context, req invoicing.CreateRequest) (invoicing.CreateResult, error)
	Get(ctx context.Context, orgID, id int64) (invoicing.Invoice, error)
	List(ctx context.Context, filter invoicing.ListFilter) ([]invoicing.Invoice, shared.Pagination, error)
	GeneratePDF(ctx context.Context, req invoicing.RenderRequest) (invoicing.Invoice, error)
	Download(ctx context.Context, orgID, id int64) ([]byte, invoicing.Invoice, error)
}

// Options tunes the handler.
type Options struct {
	// RendersPerMinute limits PDF generation requests per user.
	RendersPerMinute int
	// EventTimeout closes an event stream that saw no ready event.
	EventTimeout time.Duration
	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
}

// Handler wires the invoicing REST endpoints.
type Handler struct {
	logger      *slog.Logger
	service     Service
	subscriber  invoicing.Subscriber
	renderLimit func(http.Handler) http.Handler
	opts        Options
}

// NewHandler constructs a Handler. subscriber may be nil, in which case event
// streams only report the current status.
func NewHandler(logger *slog.Logger, service Service, subscriber invoicing.Subscriber, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RendersPerMinute <= 0 {
		opts.RendersPerMinute = 30
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 30 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 10 * time.Second
	}
	limiter := httprate.Limit(opts.RendersPerMinute, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			return "user:" + strconv.FormatInt(p.UserID, 10), nil
		}
		return httprate.KeyByIP(r)
	}), httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "pdf generation rate limit exceeded")
	}))
	return &Handler{logger: logger, service: service, subscriber: subscriber, renderLimit: limiter, opts: opts}
}

// MountRoutes registers the routes. The router must already authenticate
// requests.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/organizations/{orgId}", func(r chi.Router) {
		r.Use(auth.RequireOrganization("orgId"))
		r.Post("/sales/{saleId}/invoice", h.create)
		r.Get("/invoices", h.list)
		r.Route("/invoices/{invoiceId}", func(r chi.Router) {
			r.Get("/", h.get)
			r.With(h.renderLimit).Post("/pdf", h.generatePDF)
			r.Get("/pdf", h.download)
			r.Get("/events", h.events)
		})
	})
}

type invoiceResponse struct {
	Invoice     invoicing.Invoice `json:"invoice"`
	Status      invoicing.Status  `json:"status"`
	PDFURL      string            `json:"pdfUrl,omitempty"`
	RenderError string            `json:"renderError,omitempty"`
}

func newInvoiceResponse(inv invoicing.Invoice) invoiceResponse {
	return invoiceResponse{Invoice: inv, Status: inv.Status, PDFURL: inv.PDFURL}
}

type listResponse struct {
	Items      []invoicing.Invoice `json:"items"`
	Pagination shared.Pagination   `json:"pagination"`
}

type generateRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	orgID, _ := pathID(r, "orgId")
	saleID, ok := pathID(r, "saleId")
	if !ok {
		httpx.RespondError(w, fmt.Errorf("sale: %w", httpx.ErrNotFound))
		return
	}
	var req invoicing.CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.OrganizationID = orgID
	req.SaleID = saleID
	req.ActorID = actorID(r)

	res, err := h.service.CreateFromSale(r.Context(), req)
	renderFailed := errors.Is(err, invoicing.ErrRender) && res.Invoice.ID != 0
	if err != nil && !renderFailed {
		h.fail(w, "create invoice", err)
		return
	}
	body := newInvoiceResponse(res.Invoice)
	if renderFailed {
		h.logger.Warn("create invoice: inline render failed", slog.Int64("invoice_id", res.Invoice.ID), slog.Any("error", err))
		body.RenderError = "pdf generation failed; retry with POST " + pdfPath(res.Invoice)
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		w.Header().Set("Location", invoicePath(res.Invoice))
	}
	httpx.JSON(w, status, body)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	orgID, _ := pathID(r, "orgId")
	id, ok := pathID(r, "invoiceId")
	if !ok {
		httpx.RespondError(w, invoicing.ErrNotFound)
		return
	}
	inv, err := h.service.Get(r.Context(), orgID, id)
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	orgID, _ := pathID(r, "orgId")
	filter, err := parseListFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.OrganizationID = orgID
	items, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	if items == nil {
		items = []invoicing.Invoice{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Pagination: page})
}

func parseListFilter(r *http.Request) (invoicing.ListFilter, error) {
	q := r.URL.Query()
	var filter invoicing.ListFilter
	fields := httpx.FieldErrors{}
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		from, err := time.Parse(time.DateOnly, v)
		if err != nil {
			fields["from"] = "must be a date formatted YYYY-MM-DD"
		} else {
			filter.From = &from
		}
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		to, err := time.Parse(time.DateOnly, v)
		if err != nil {
			fields["to"] = "must be a date formatted YYYY-MM-DD"
		} else {
			filter.To = &to
		}
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		filter.Status = invoicing.NormaliseStatus(v)
		if filter.Status == "" {
			fields["status"] = "must be queued, generating or ready"
		}
	}
	var err error
	if filter.Page, err = queryInt(q.Get("page")); err != nil {
		fields["page"] = "must be a positive integer"
	}
	if filter.Size, err = queryInt(q.Get("size")); err != nil {
		fields["size"] = "must be a positive integer"
	}
	filter.Customer = q.Get("customer")
	if len(fields) > 0 {
		return invoicing.ListFilter{}, fields
	}
	return filter, nil
}

func (h *Handler) generatePDF(w http.ResponseWriter, r *http.Request) {
	orgID, _ := pathID(r, "orgId")
	id, ok := pathID(r, "invoiceId")
	if !ok {
		httpx.RespondError(w, invoicing.ErrNotFound)
		return
	}
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		req.Force = true
	}
	inv, err := h.service.GeneratePDF(r.Context(), invoicing.RenderRequest{
		OrganizationID: orgID,
		InvoiceID:      id,
		Force:          req.Force,
		ActorID:        actorID(r),
	})
	if err != nil {
		h.fail(w, "generate invoice pdf", err)
		return
	}
	status := http.StatusOK
	if inv.Status != invoicing.StatusReady {
		// Another request holds the render; the client keeps polling.
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, newInvoiceResponse(inv))
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	orgID, _ := pathID(r, "orgId")
	id, ok := pathID(r, "invoiceId")
	if !ok {
		httpx.RespondError(w, invoicing.ErrNotFound)
		return
	}
	data, inv, err := h.service.Download(r.Context(), orgID, id)
	if err != nil {
		h.fail(w, "download invoice pdf", err)
		return
	}
	var modified time.Time
	if inv.PDFGeneratedAt != nil {
		modified = *inv.PDFGeneratedAt
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", inv.Number+".pdf"))
	w.Header().Set("Cache-Control", "private, no-cache")
	http.ServeContent(w, r, inv.Number+".pdf", modified, bytes.NewReader(data))
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	orgID, _ := pathID(r, "orgId")
	id, ok := pathID(r, "invoiceId")
	if !ok {
		httpx.RespondError(w, invoicing.ErrNotFound)
		return
	}
	inv, err := h.service.Get(r.Context(), orgID, id)
	if err != nil {
		h.fail(w, "invoice events", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "streaming unsupported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.EventTimeout)
	defer cancel()
	var (
		updates <-chan invoicing.Event
		stop    = func() {}
	)
	if h.subscriber != nil && inv.Status != invoicing.StatusReady {
		updates, stop, err = h.subscriber.Subscribe(ctx, orgID)
		if err != nil {
			h.logger.Warn("subscribe invoice events", slog.Int64("invoice_id", id), slog.Any("error", err))
			updates, stop = nil, func() {}
		} else if current, err := h.service.Get(ctx, orgID, id); err == nil {
			// The render may have finished before the subscription existed.
			inv = current
		}
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, invoicing.Event{OrganizationID: orgID, InvoiceID: id, Status: inv.Status, PDFURL: inv.PDFURL})
	flusher.Flush()
	if inv.Status == invoicing.StatusReady || updates == nil {
		return
	}

	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprint(w, "event: timeout\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-updates:
			if !open {
				return
			}
			if ev.InvoiceID != id {
				continue
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Status == invoicing.StatusReady {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev invoicing.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", raw)
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, httpx.ErrNotFound), errors.Is(err, httpx.ErrValidation), errors.Is(err, httpx.ErrConflict),
		errors.Is(err, httpx.ErrForbidden):
		h.logger.Debug(action, slog.Any("error", err))
	default:
		h.logger.Warn(action, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func actorID(r *http.Request) int64 {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.UserID
}

func invoicePath(inv invoicing.Invoice) string {
	return fmt.Sprintf("/organizations/%d/invoices/%d", inv.OrganizationID, inv.ID)
}

func pdfPath(inv invoicing.Invoice) string {
	return invoicePath(inv) + "/pdf"
}
