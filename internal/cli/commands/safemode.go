package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/cliapp"
)

// NewSafeModeCommand returns the `sentrygate safe-mode` command group.
func NewSafeModeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safe-mode",
		Short: "Enable or disable safe mode",
		RunE:  runSafeMode,
	}
	cmd.Flags().String("admin", "", "admin user id performing the change")
	cmd.Flags().Bool("enabled", true, "whether safe mode should be enabled")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func runSafeMode(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	admin, _ := cmd.Flags().GetString("admin")
	enabled, _ := cmd.Flags().GetBool("enabled")

	if err := app.Orchestrator.SetSafeMode(cmd.Context(), admin, enabled); err != nil {
		return fmt.Errorf("setting safe mode: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{"safeModeEnabled": enabled})
}
