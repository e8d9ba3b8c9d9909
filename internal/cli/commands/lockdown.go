package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/cliapp"
)

// NewLockdownCommand returns the `sentrygate lockdown` command: forces safe
// mode on and rotates every agent's API key.
func NewLockdownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Trigger an emergency lockdown: force safe mode on and revoke all agent keys",
		RunE:  runLockdown,
	}
	cmd.Flags().String("admin", "", "admin user id triggering the lockdown")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func runLockdown(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	admin, _ := cmd.Flags().GetString("admin")
	if err := app.Orchestrator.EmergencyLockdown(cmd.Context(), admin); err != nil {
		return fmt.Errorf("emergency lockdown: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{"status": "lockdown complete"})
}
