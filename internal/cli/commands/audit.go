package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/audit"
	"github.com/bartekus/sentrygate/internal/cliapp"
)

// NewAuditCommand returns the `sentrygate audit` command group.
func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List and verify the hash-chained audit log",
	}

	cmd.AddCommand(newAuditListCommand())
	cmd.AddCommand(newAuditVerifyCommand())

	return cmd
}

func newAuditListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all audit events in chain order",
		RunE:  runAuditList,
	}
}

func runAuditList(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	events, err := app.Store.ListAuditEvents(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing audit events: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), events)
}

func newAuditVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the audit chain and check every hash link",
		RunE:  runAuditVerify,
	}
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	result, err := audit.Verify(cmd.Context(), app.Store)
	if err != nil {
		return fmt.Errorf("verifying audit chain: %w", err)
	}
	if !result.OK {
		return printJSON(cmd.OutOrStdout(), map[string]any{"ok": false, "brokenAt": result.BrokenAt})
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true})
}
