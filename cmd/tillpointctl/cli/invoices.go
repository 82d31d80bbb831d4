package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillpoint/tillpoint/client"
	"github.com/tillpoint/tillpoint/internal/invoicing"
)

func newRenderCommand(deps Deps) *cobra.Command {
	var orgID, invoiceID int64
	var force bool
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render an invoice PDF in-process against the database",
		Example: `  tillpointctl render --org 1 --invoice 42
  tillpointctl render --org 1 --invoice 42 --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := errors.Join(requirePositive("org", orgID), requirePositive("invoice", invoiceID)); err != nil {
				return err
			}
			if deps.Invoices == nil {
				return errors.New("render: invoicing not configured")
			}
			ops, release, err := deps.Invoices(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			inv, err := ops.GeneratePDF(cmd.Context(), invoicing.RenderRequest{
				OrganizationID: orgID,
				InvoiceID:      invoiceID,
				Force:          force,
			})
			if err != nil {
				return fmt.Errorf("render invoice %d: %w", invoiceID, err)
			}
			return writeJSON(cmd.OutOrStdout(), summarise(inv))
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	cmd.Flags().Int64Var(&invoiceID, "invoice", 0, "invoice id")
	cmd.Flags().BoolVar(&force, "force", false, "re-render a ready invoice")
	return cmd
}

func newEnqueueCommand(deps Deps) *cobra.Command {
	var orgID, invoiceID int64
	var force bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a background render for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := errors.Join(requirePositive("org", orgID), requirePositive("invoice", invoiceID)); err != nil {
				return err
			}
			if deps.Invoices == nil {
				return errors.New("enqueue: invoicing not configured")
			}
			ops, release, err := deps.Invoices(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			inv, err := ops.Enqueue(cmd.Context(), orgID, invoiceID, force)
			if err != nil {
				return fmt.Errorf("enqueue invoice %d: %w", invoiceID, err)
			}
			return writeJSON(cmd.OutOrStdout(), summarise(inv))
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	cmd.Flags().Int64Var(&invoiceID, "invoice", 0, "invoice id")
	cmd.Flags().BoolVar(&force, "force", false, "re-render a ready invoice")
	return cmd
}

func newQueueCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show render queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.Jobs == nil {
				return errors.New("queue: jobs not configured")
			}
			jobsCLI, err := deps.Jobs()
			if err != nil {
				return err
			}
			defer func() {
				_ = jobsCLI.Close()
			}()
			stats, err := jobsCLI.InspectQueues(cmd.Context())
			if err != nil {
				return fmt.Errorf("inspect queues: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newWaitCommand() *cobra.Command {
	var (
		baseURL, token    string
		orgID, invoiceID  int64
		interval, ceiling time.Duration
		trigger           bool
		output            string
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Poll the API until an invoice PDF is ready",
		Example: `  tillpointctl wait --url http://localhost:8080 --token $TOKEN --org 1 --invoice 42
  tillpointctl wait --url http://localhost:8080 --token $TOKEN --org 1 --invoice 42 --trigger --out inv.pdf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := errors.Join(requirePositive("org", orgID), requirePositive("invoice", invoiceID)); err != nil {
				return err
			}
			api := client.New(baseURL, token)
			res, err := api.WaitForPDF(cmd.Context(), orgID, invoiceID, client.PollOptions{
				Interval: interval,
				Ceiling:  ceiling,
				Trigger:  trigger,
			})
			if err != nil {
				return err
			}
			if res.Pending {
				fmt.Fprintf(cmd.ErrOrStderr(), "invoice %d still %s after %d checks\n", invoiceID, res.Invoice.Status, res.Attempts)
				return writeJSON(cmd.OutOrStdout(), summarise(res.Invoice.Invoice))
			}
			if output != "" {
				data, err := api.DownloadPDF(cmd.Context(), orgID, invoiceID)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), summarise(res.Invoice.Invoice))
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	cmd.Flags().Int64Var(&invoiceID, "invoice", 0, "invoice id")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().DurationVar(&ceiling, "ceiling", 30*time.Second, "give up after this long")
	cmd.Flags().BoolVar(&trigger, "trigger", false, "request a render before polling")
	cmd.Flags().StringVar(&output, "out", "", "write the PDF to this file once ready")
	return cmd
}
