package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newInvalidateSettingsCommand(deps Deps) *cobra.Command {
	var orgID int64
	cmd := &cobra.Command{
		Use:   "invalidate-settings",
		Short: "Drop the cached invoice settings of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePositive("org", orgID); err != nil {
				return err
			}
			if deps.Settings == nil {
				return errors.New("invalidate-settings: settings not configured")
			}
			svc, release, err := deps.Settings(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := svc.Invalidate(cmd.Context(), orgID); err != nil {
				return fmt.Errorf("invalidate settings of organization %d: %w", orgID, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "settings cache dropped for organization %d\n", orgID)
			return err
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	return cmd
}
