// Package client is a Go client for the invoicing API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tillpoint/tillpoint/internal/invoicing"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
)

// APIError is a non-2xx response decoded from its problem details.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	Fields     map[string]string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api: %d %s", e.StatusCode, e.Title)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// InvoiceResult is the body returned by the invoice endpoints.
type InvoiceResult struct {
	Invoice     invoicing.Invoice `json:"invoice"`
	Status      invoicing.Status  `json:"status"`
	PDFURL      string            `json:"pdfUrl,omitempty"`
	RenderError string            `json:"renderError,omitempty"`
}

// Ready reports whether the PDF can be downloaded.
func (r InvoiceResult) Ready() bool {
	return r.Status == invoicing.StatusReady
}

// CreateOptions are the optional fields of an invoice creation.
type CreateOptions struct {
	CustomerName  string `json:"customerName,omitempty"`
	CustomerPhone string `json:"customerPhone,omitempty"`
	CustomerGSTIN string `json:"customerGstin,omitempty"`
	ForceSyncPDF  bool   `json:"forceSyncPdf,omitempty"`
}

// Client talks to the API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New builds a Client for the API rooted at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInvoice invoices a sale. created is false when the sale already had an
// invoice. A failed inline render is reported in InvoiceResult.RenderError.
func (c *Client) CreateInvoice(ctx context.Context, orgID, saleID int64, opts CreateOptions) (InvoiceResult, bool, error) {
	var res InvoiceResult
	status, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/organizations/%d/sales/%d/invoice", orgID, saleID), opts, &res)
	if err != nil {
		return InvoiceResult{}, false, err
	}
	return res, status == http.StatusCreated, nil
}

// GetInvoice fetches an invoice with its PDF status.
func (c *Client) GetInvoice(ctx context.Context, orgID, invoiceID int64) (InvoiceResult, error) {
	var res InvoiceResult
	_, err := c.doJSON(ctx, http.MethodGet, invoicePath(orgID, invoiceID), nil, &res)
	return res, err
}

// GeneratePDF asks the API to render the PDF. The result is not ready yet when
// another request holds the render.
func (c *Client) GeneratePDF(ctx context.Context, orgID, invoiceID int64, force bool) (InvoiceResult, error) {
	var res InvoiceResult
	body := map[string]bool{"force": force}
	_, err := c.doJSON(ctx, http.MethodPost, invoicePath(orgID, invoiceID)+"/pdf", body, &res)
	return res, err
}

// DownloadPDF returns the rendered PDF bytes.
func (c *Client) DownloadPDF(ctx context.Context, orgID, invoiceID int64) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, invoicePath(orgID, invoiceID)+"/pdf", nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return io.ReadAll(resp.Body)
}

func invoicePath(orgID, invoiceID int64) string {
	return "/organizations/" + strconv.FormatInt(orgID, 10) + "/invoices/" + strconv.FormatInt(invoiceID, 10)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem httpx.ProblemDetail
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&problem); err == nil {
		if problem.Title != "" {
			apiErr.Title = problem.Title
		}
		apiErr.Detail = problem.Detail
		apiErr.Fields = problem.Errors
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
