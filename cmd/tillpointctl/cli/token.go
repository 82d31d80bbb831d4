package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillpoint/tillpoint/internal/auth"
)

func newTokenCommand(deps Deps) *cobra.Command {
	var (
		userID int64
		orgIDs []int64
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Example: `  tillpointctl token --user 7 --org 1 --org 2 --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePositive("user", userID); err != nil {
				return err
			}
			if len(orgIDs) == 0 {
				return errors.New("--org is required")
			}
			if deps.Tokens == nil {
				return errors.New("token: signing secret not configured")
			}
			tokens, err := deps.Tokens()
			if err != nil {
				return err
			}
			raw, err := tokens.Issue(auth.Principal{UserID: userID, OrganizationIDs: orgIDs}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), raw)
			return err
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64SliceVar(&orgIDs, "org", nil, "organization id, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
