package client

import (
	"context"
	"errors"
	"time"
)

// PollOptions tune WaitForPDF.
type PollOptions struct {
	// Interval between status checks. Defaults to 2s.
	Interval time.Duration
	// Ceiling bounds the whole wait. Defaults to 30s.
	Ceiling time.Duration
	// Trigger requests a render before polling.
	Trigger bool
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 30 * time.Second
	}
	return o
}

// PollResult is the outcome of WaitForPDF. Pending is set when the ceiling
// passed before the PDF became ready; Invoice then holds the last state seen.
type PollResult struct {
	Invoice  InvoiceResult
	Pending  bool
	Attempts int
}

// WaitForPDF polls the invoice until its PDF is ready or the ceiling passes.
// Every request runs under the ceiling, so a slow server cannot stretch the
// wait. Reaching the ceiling is not an error. Temporary API errors are
// retried on the next tick; any other error ends the wait.
func (c *Client) WaitForPDF(ctx context.Context, orgID, invoiceID int64, opts PollOptions) (PollResult, error) {
	opts = opts.withDefaults()
	pollCtx, cancel := context.WithTimeout(ctx, opts.Ceiling)
	defer cancel()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var result PollResult
	expired := func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if pollCtx.Err() != nil {
			result.Pending = true
			return true, nil
		}
		return false, nil
	}
	check := func() (bool, error) {
		result.Attempts++
		var (
			inv InvoiceResult
			err error
		)
		if opts.Trigger && result.Attempts == 1 {
			inv, err = c.GeneratePDF(pollCtx, orgID, invoiceID, false)
		} else {
			inv, err = c.GetInvoice(pollCtx, orgID, invoiceID)
		}
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Temporary() {
				return false, nil
			}
			return false, err
		}
		result.Invoice = inv
		return inv.Ready(), nil
	}

	for {
		// The ceiling wins over a tick that fired at the same time.
		if stop, err := expired(); stop {
			return result, err
		}
		done, err := check()
		if err != nil {
			if stop, ctxErr := expired(); stop {
				return result, ctxErr
			}
			return result, err
		}
		if done {
			return result, nil
		}
		select {
		case <-pollCtx.Done():
		case <-ticker.C:
		}
	}
}
