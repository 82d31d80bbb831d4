package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/platform/storage"
	"github.com/tillpoint/tillpoint/internal/sales"
	"github.com/tillpoint/tillpoint/internal/settings"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// RepositoryPort is the invoice persistence used by Service.
type RepositoryPort interface {
	InsertNumbered(ctx context.Context, inv Invoice, padding int) (Invoice, error)
	Get(ctx context.Context, orgID, id int64) (Invoice, error)
	FindBySale(ctx context.Context, orgID, saleID int64) (Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, int, error)
	ClaimRender(ctx context.Context, orgID, id int64, now, staleBefore time.Time) (Invoice, error)
	ReleaseRender(ctx context.Context, orgID, id int64, token time.Time, reason string) error
	MarkReady(ctx context.Context, orgID, id int64, token *time.Time, html, url string, at time.Time) (Invoice, error)
	ListPendingRenders(ctx context.Context, queuedBefore, staleBefore time.Time, maxAttempts, limit int) ([]RenderRequest, error)
}

// SaleSource looks up sales.
type SaleSource interface {
	Get(ctx context.Context, orgID, saleID int64) (sales.Sale, error)
}

// SettingsSource resolves organization settings and branch codes.
type SettingsSource interface {
	Get(ctx context.Context, orgID int64) (settings.Settings, error)
	BranchCode(ctx context.Context, orgID, outletID int64) (string, error)
}

// DocumentRenderer produces the HTML snapshot and PDF of an invoice.
type DocumentRenderer interface {
	Engine() string
	Render(ctx context.Context, inv Invoice, cfg settings.Settings) (RenderResult, error)
}

// Enqueuer schedules a render on the background worker.
type Enqueuer interface {
	EnqueueInvoicePDF(ctx context.Context, orgID, invoiceID int64, force bool) error
}

// AuditRecorder stores audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig wires the dependencies and tunables of Service.
type ServiceConfig struct {
	Repository RepositoryPort
	Sales      SaleSource
	Settings   SettingsSource
	Renderer   DocumentRenderer
	Storage    storage.ObjectStore
	Notifier   Notifier
	Queue      Enqueuer
	Audit      AuditRecorder
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger

	// Location decides numbering periods and list date boundaries.
	Location *time.Location
	// NumberingAttempts bounds how often a numbering race is retried.
	NumberingAttempts int
	// RenderLease is how long a generating claim blocks other renderers.
	RenderLease time.Duration
	// RenderTimeout bounds a single render including the upload.
	RenderTimeout time.Duration
	// QueueRenders enqueues a background render for every new invoice.
	QueueRenders bool
	// MaxRenderAttempts stops the sweep from retrying an invoice that has
	// already been claimed this many times. Explicit requests still render.
	MaxRenderAttempts int
}

// Service implements invoice creation, numbering and the PDF lifecycle.
type Service struct {
	repo      RepositoryPort
	sales     SaleSource
	settings  SettingsSource
	renderer  DocumentRenderer
	store     storage.ObjectStore
	notifier  Notifier
	queue     Enqueuer
	audit     AuditRecorder
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
	validate  *validator.Validate
	group     singleflight.Group
	now       func() time.Time
	loc       *time.Location
	attempts  int
	lease     time.Duration
	timeout   time.Duration
	queueMode bool
	maxClaims int
}

var (
	rePhone = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	reGSTIN = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)
)

// NewService constructs the service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	attempts := cfg.NumberingAttempts
	if attempts <= 0 {
		attempts = 3
	}
	lease := cfg.RenderLease
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	maxClaims := cfg.MaxRenderAttempts
	if maxClaims <= 0 {
		maxClaims = 5
	}
	timeout := cfg.RenderTimeout
	if timeout <= 0 || timeout > lease {
		timeout = lease
	}
	return &Service{
		repo:      cfg.Repository,
		sales:     cfg.Sales,
		settings:  cfg.Settings,
		renderer:  cfg.Renderer,
		store:     cfg.Storage,
		notifier:  cfg.Notifier,
		queue:     cfg.Queue,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger,
		validate:  newValidator(),
		now:       time.Now,
		loc:       loc,
		attempts:  attempts,
		lease:     lease,
		timeout:   timeout,
		queueMode: cfg.QueueRenders,
		maxClaims: maxClaims,
	}
}

// WithNow overrides the clock, mainly for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return rePhone.MatchString(strings.ReplaceAll(fl.Field().String(), " ", ""))
	})
	_ = v.RegisterValidation("gstin", func(fl validator.FieldLevel) bool {
		return reGSTIN.MatchString(strings.ToUpper(strings.TrimSpace(fl.Field().String())))
	})
	return v
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := httpx.FieldErrors{}
	for _, fe := range verrs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return fmt.Errorf("%w: %w", ErrValidation, fields)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "gt":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "phone":
		return "must be a phone number of 7 to 15 digits"
	case "gstin":
		return "must be a valid 15 character GSTIN"
	default:
		return "is invalid"
	}
}

// CreateFromSale turns a sale into an invoice. A sale that already has an
// invoice yields that invoice with Created false. With ForceSyncPDF the PDF
// is rendered before returning; a render failure still returns the invoice
// alongside an ErrRender error.
func (s *Service) CreateFromSale(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := s.validateStruct(req); err != nil {
		return CreateResult{}, err
	}
	cfg, err := s.settings.Get(ctx, req.OrganizationID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("load settings: %w", err)
	}
	if !cfg.EnableInvoices {
		return CreateResult{}, ErrFeatureDisabled
	}
	sale, err := s.sales.Get(ctx, req.OrganizationID, req.SaleID)
	if err != nil {
		if errors.Is(err, sales.ErrNotFound) {
			return CreateResult{}, fmt.Errorf("%w: sale %d", ErrNotFound, req.SaleID)
		}
		return CreateResult{}, fmt.Errorf("load sale: %w", err)
	}

	existing, err := s.repo.FindBySale(ctx, req.OrganizationID, sale.ID)
	switch {
	case err == nil:
		return s.afterCreate(ctx, req, existing, false)
	case !errors.Is(err, ErrNotFound):
		return CreateResult{}, fmt.Errorf("find invoice for sale: %w", err)
	}

	draft, err := s.draft(ctx, req, sale, cfg)
	if err != nil {
		return CreateResult{}, err
	}
	inv, err := s.insertWithRetry(ctx, draft, cfg.Padding)
	if errors.Is(err, ErrDuplicateSale) {
		existing, findErr := s.repo.FindBySale(ctx, req.OrganizationID, sale.ID)
		if findErr != nil {
			return CreateResult{}, fmt.Errorf("find invoice for sale: %w", findErr)
		}
		return s.afterCreate(ctx, req, existing, false)
	}
	if err != nil {
		return CreateResult{}, err
	}

	s.logger.Info("invoice created",
		slog.Int64("organization_id", inv.OrganizationID),
		slog.Int64("invoice_id", inv.ID),
		slog.String("invoice_number", inv.Number),
		slog.Int64("sale_id", sale.ID),
	)
	s.record(ctx, shared.AuditLog{
		OrganizationID: inv.OrganizationID,
		ActorID:        req.ActorID,
		Action:         "invoice.created",
		Entity:         "invoice",
		EntityID:       strconv.FormatInt(inv.ID, 10),
		Meta:           map[string]any{"number": inv.Number, "sale_id": sale.ID, "total": inv.Total.String()},
		At:             inv.CreatedAt,
	})
	return s.afterCreate(ctx, req, inv, true)
}

func (s *Service) afterCreate(ctx context.Context, req CreateRequest, inv Invoice, created bool) (CreateResult, error) {
	s.metrics.InvoiceCreated(created)
	result := CreateResult{Invoice: inv, Created: created}
	if inv.Status == StatusReady {
		return result, nil
	}
	if req.ForceSyncPDF {
		rendered, err := s.GeneratePDF(ctx, RenderRequest{OrganizationID: inv.OrganizationID, InvoiceID: inv.ID, ActorID: req.ActorID})
		if rendered.ID != 0 {
			result.Invoice = rendered
		}
		return result, err
	}
	if created && s.queueMode && s.queue != nil {
		if err := s.queue.EnqueueInvoicePDF(ctx, inv.OrganizationID, inv.ID, false); err != nil {
			s.logger.Warn("enqueue invoice pdf", slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
		}
	}
	return result, nil
}

func (s *Service) draft(ctx context.Context, req CreateRequest, sale sales.Sale, cfg settings.Settings) (Invoice, error) {
	items, err := SnapshotItems(sale.Items, cfg.GSTEnabled)
	if err != nil {
		return Invoice{}, err
	}
	totals := ComputeTotals(items, sale.DiscountAmount)

	branchCode := ""
	if cfg.BranchPrefix {
		branchCode, err = s.settings.BranchCode(ctx, req.OrganizationID, sale.OutletID)
		if err != nil {
			return Invoice{}, err
		}
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	scope := ScopeFor(cfg, branchCode, now, s.loc)

	saleID := sale.ID
	inv := Invoice{
		OrganizationID:   req.OrganizationID,
		BillingSessionID: &saleID,
		Prefix:           scope.Prefix,
		Period:           scope.Period,
		Customer: Customer{
			Name:  firstNonEmpty(req.CustomerName, sale.CustomerName),
			Phone: firstNonEmpty(req.CustomerPhone, sale.CustomerPhone),
			GSTIN: strings.ToUpper(strings.TrimSpace(req.CustomerGSTIN)),
		},
		Items:          items,
		Subtotal:       totals.Subtotal,
		TaxAmount:      totals.Tax,
		DiscountAmount: totals.Discount,
		Total:          totals.Total,
		GSTApplied:     cfg.GSTEnabled,
		Status:         StatusQueued,
		CreatedBy:      req.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sale.OutletID > 0 {
		branchID := sale.OutletID
		inv.BranchID = &branchID
	}
	if inv.CreatedBy == 0 {
		inv.CreatedBy = sale.SoldBy
	}
	return inv, nil
}

func (s *Service) insertWithRetry(ctx context.Context, draft Invoice, padding int) (Invoice, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		inv, err := s.repo.InsertNumbered(ctx, draft, padding)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, ErrNumberingConflict) {
			return Invoice{}, fmt.Errorf("insert invoice: %w", err)
		}
		lastErr = err
		s.metrics.NumberingRetry()
		s.logger.Debug("invoice numbering conflict",
			slog.Int64("organization_id", draft.OrganizationID),
			slog.String("prefix", draft.Prefix),
			slog.Int("attempt", attempt),
		)
		if attempt < s.attempts {
			select {
			case <-ctx.Done():
				return Invoice{}, ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 5 * time.Millisecond):
			}
		}
	}
	s.logger.Warn("invoice numbering retries exhausted",
		slog.Int64("organization_id", draft.OrganizationID),
		slog.Int("attempts", s.attempts),
		slog.Any("error", lastErr),
	)
	return Invoice{}, fmt.Errorf("%w: %d attempts", ErrConcurrencyConflict, s.attempts)
}

// Get returns an invoice of the organization.
func (s *Service) Get(ctx context.Context, orgID, id int64) (Invoice, error) {
	if orgID <= 0 || id <= 0 {
		return Invoice{}, ErrNotFound
	}
	return s.repo.Get(ctx, orgID, id)
}

// List returns a page of invoices and its pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, shared.Pagination, error) {
	filter = filter.Normalise()
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, shared.Pagination{}, fmt.Errorf("%w: %w", ErrValidation, httpx.FieldErrors{"from": "must not be after to"})
	}
	if filter.From != nil {
		filter.CreatedFrom = startOfDay(*filter.From, s.loc)
	}
	if filter.To != nil {
		filter.CreatedBefore = startOfDay(*filter.To, s.loc).AddDate(0, 0, 1)
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list invoices: %w", err)
	}
	return items, shared.NewPagination(filter.Page, filter.Size, total), nil
}

// GeneratePDF renders and stores the PDF of an invoice. Ready invoices are
// returned unchanged unless Force is set, in which case the artefact is
// rebuilt under the same key. Concurrent calls for one invoice share a
// single render, and the render keeps going if the caller goes away.
func (s *Service) GeneratePDF(ctx context.Context, req RenderRequest) (Invoice, error) {
	if req.OrganizationID <= 0 || req.InvoiceID <= 0 {
		return Invoice{}, ErrNotFound
	}
	key := fmt.Sprintf("%d:%d:%t", req.OrganizationID, req.InvoiceID, req.Force)
	ch := s.group.DoChan(key, func() (any, error) {
		renderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.generate(renderCtx, req)
	})
	select {
	case <-ctx.Done():
		return Invoice{}, ctx.Err()
	case res := <-ch:
		inv, _ := res.Val.(Invoice)
		return inv, res.Err
	}
}

func (s *Service) generate(ctx context.Context, req RenderRequest) (Invoice, error) {
	inv, err := s.repo.Get(ctx, req.OrganizationID, req.InvoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status == StatusReady && !req.Force {
		return inv, nil
	}
	cfg, err := s.settings.Get(ctx, req.OrganizationID)
	if err != nil {
		return inv, fmt.Errorf("load settings: %w", err)
	}

	var token *time.Time
	if inv.Status != StatusReady {
		now := s.now().UTC().Truncate(time.Microsecond)
		claimed, err := s.repo.ClaimRender(ctx, req.OrganizationID, req.InvoiceID, now, now.Add(-s.lease))
		if errors.Is(err, ErrClaimLost) {
			// Someone else holds a live claim or already finished.
			return s.repo.Get(ctx, req.OrganizationID, req.InvoiceID)
		}
		if err != nil {
			return inv, fmt.Errorf("claim render: %w", err)
		}
		inv = claimed
		started := now
		if claimed.RenderStartedAt != nil {
			started = *claimed.RenderStartedAt
		}
		token = &started
	}

	start := time.Now()
	result, err := s.renderer.Render(ctx, inv, cfg)
	var url string
	if err == nil {
		url, err = s.store.Put(ctx, StorageKey(inv.OrganizationID, inv.ID), result.PDF)
	}
	s.metrics.ObserveRender(s.renderer.Engine(), err, time.Since(start))
	if err != nil {
		return s.renderFailed(ctx, inv, token, err)
	}

	ready, err := s.repo.MarkReady(ctx, inv.OrganizationID, inv.ID, token, result.HTML, url, s.now().UTC().Truncate(time.Microsecond))
	if errors.Is(err, ErrClaimLost) {
		return s.repo.Get(ctx, inv.OrganizationID, inv.ID)
	}
	if err != nil {
		return inv, fmt.Errorf("mark invoice ready: %w", err)
	}
	s.logger.Info("invoice pdf ready",
		slog.Int64("organization_id", ready.OrganizationID),
		slog.Int64("invoice_id", ready.ID),
		slog.String("engine", s.renderer.Engine()),
		slog.Bool("forced", req.Force),
		slog.Duration("elapsed", time.Since(start)),
	)
	s.publish(ctx, Event{OrganizationID: ready.OrganizationID, InvoiceID: ready.ID, Status: ready.Status, PDFURL: ready.PDFURL})
	s.record(ctx, shared.AuditLog{
		OrganizationID: ready.OrganizationID,
		ActorID:        req.ActorID,
		Action:         "invoice.pdf_rendered",
		Entity:         "invoice",
		EntityID:       strconv.FormatInt(ready.ID, 10),
		Meta:           map[string]any{"forced": req.Force, "engine": s.renderer.Engine()},
	})
	return ready, nil
}

func (s *Service) renderFailed(ctx context.Context, inv Invoice, token *time.Time, cause error) (Invoice, error) {
	s.logger.Warn("invoice pdf render failed",
		slog.Int64("organization_id", inv.OrganizationID),
		slog.Int64("invoice_id", inv.ID),
		slog.String("engine", s.renderer.Engine()),
		slog.Any("error", cause),
	)
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if token != nil {
		if err := s.repo.ReleaseRender(releaseCtx, inv.OrganizationID, inv.ID, *token, cause.Error()); err != nil && !errors.Is(err, ErrClaimLost) {
			s.logger.Error("release invoice render", slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
		}
	}
	current, err := s.repo.Get(releaseCtx, inv.OrganizationID, inv.ID)
	if err != nil {
		current = inv
	}
	s.publish(releaseCtx, Event{OrganizationID: current.OrganizationID, InvoiceID: current.ID, Status: current.Status, PDFURL: current.PDFURL})
	return current, fmt.Errorf("%w: %v", ErrRender, cause)
}

// Download returns the stored PDF of a ready invoice.
func (s *Service) Download(ctx context.Context, orgID, id int64) ([]byte, Invoice, error) {
	inv, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, Invoice{}, err
	}
	if inv.Status != StatusReady {
		return nil, inv, ErrPDFNotReady
	}
	data, err := s.store.Get(ctx, StorageKey(orgID, id))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, inv, fmt.Errorf("%w: pdf object missing", ErrNotFound)
		}
		return nil, inv, fmt.Errorf("read pdf: %w", err)
	}
	return data, inv, nil
}

// Enqueue schedules a background render of an existing invoice.
func (s *Service) Enqueue(ctx context.Context, orgID, id int64, force bool) (Invoice, error) {
	inv, err := s.Get(ctx, orgID, id)
	if err != nil {
		return Invoice{}, err
	}
	if s.queue == nil {
		return inv, errors.New("invoicing: render queue not configured")
	}
	if inv.Status == StatusReady && !force {
		return inv, nil
	}
	if err := s.queue.EnqueueInvoicePDF(ctx, orgID, id, force); err != nil {
		return inv, fmt.Errorf("enqueue render: %w", err)
	}
	return inv, nil
}

// PendingRenders lists renders that have waited longer than olderThan, along
// with generating invoices whose lease has expired. Invoices that used up
// their render attempts are left for an explicit request.
func (s *Service) PendingRenders(ctx context.Context, olderThan time.Duration, limit int) ([]RenderRequest, error) {
	now := s.now().UTC()
	pending, err := s.repo.ListPendingRenders(ctx, now.Add(-olderThan), now.Add(-s.lease), s.maxClaims, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending renders: %w", err)
	}
	return pending, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish invoice event", slog.Int64("invoice_id", ev.InvoiceID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
