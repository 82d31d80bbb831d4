package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tillpoint/tillpoint/internal/sales"
)

func newSaleCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Inspect and correct sales",
	}
	cmd.AddCommand(newSalePayCommand(deps))
	return cmd
}

func newSalePayCommand(deps Deps) *cobra.Command {
	var orgID, saleID int64
	var paymentType string
	var paid bool
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Record how a sale was settled",
		Example: `  tillpointctl sale pay --org 1 --sale 12 --type upi
  tillpointctl sale pay --org 1 --sale 12 --type cash --paid=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := errors.Join(requirePositive("org", orgID), requirePositive("sale", saleID)); err != nil {
				return err
			}
			if deps.Sales == nil {
				return errors.New("sale pay: sales not configured")
			}
			svc, release, err := deps.Sales(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			sale, err := svc.UpdatePayment(cmd.Context(), orgID, saleID, sales.UpdatePaymentRequest{
				PaymentType: paymentType,
				IsPaid:      paid,
			})
			if err != nil {
				return fmt.Errorf("update payment of sale %d: %w", saleID, err)
			}
			return writeJSON(cmd.OutOrStdout(), saleSummary{
				ID:          sale.ID,
				PaymentType: sale.PaymentType,
				IsPaid:      sale.IsPaid,
				Total:       sale.TotalAmount.StringFixed(2),
			})
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	cmd.Flags().Int64Var(&saleID, "sale", 0, "sale id")
	cmd.Flags().StringVar(&paymentType, "type", "", "payment type: cash or upi")
	cmd.Flags().BoolVar(&paid, "paid", true, "mark the sale as paid")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

type saleSummary struct {
	ID          int64             `json:"id"`
	PaymentType sales.PaymentType `json:"paymentType"`
	IsPaid      bool              `json:"isPaid"`
	Total       string            `json:"total"`
}
