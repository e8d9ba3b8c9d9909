package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/cliapp"
	"github.com/bartekus/sentrygate/internal/model"
)

// NewSettingsCommand returns the `sentrygate settings` command group.
func NewSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Get or set allowed_roots / shell_allowlist / safe_mode",
	}

	cmd.AddCommand(newSettingsGetCommand())
	cmd.AddCommand(newSettingsSetCommand())
	cmd.AddCommand(newSettingsListCommand())

	return cmd
}

func newSettingsGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get one setting's value",
		RunE:  runSettingsGet,
	}
	cmd.Flags().String("key", "", "setting key: allowed_roots, shell_allowlist, safe_mode")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	key, _ := cmd.Flags().GetString("key")
	setting, err := app.Store.GetSetting(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("getting setting %q: %w", key, err)
	}
	return printJSON(cmd.OutOrStdout(), setting)
}

func newSettingsSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set one setting's value, given a raw JSON value",
		RunE:  runSettingsSet,
	}
	cmd.Flags().String("key", "", "setting key: allowed_roots, shell_allowlist, safe_mode")
	cmd.Flags().String("value", "", "setting value, as raw JSON (e.g. '[\"/tmp/sbx\"]' or 'true')")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	key, _ := cmd.Flags().GetString("key")
	value, _ := cmd.Flags().GetString("value")

	if !json.Valid([]byte(value)) {
		return fmt.Errorf("value must be valid JSON, got %q", value)
	}

	if err := app.Store.PutSetting(cmd.Context(), key, []byte(value)); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}

	if _, err := app.Audit.Append(cmd.Context(), model.EventSettingUpdated, map[string]any{
		"key":   key,
		"value": json.RawMessage(value),
	}); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{"key": key, "value": json.RawMessage(value)})
}

func newSettingsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all settings",
		RunE:  runSettingsList,
	}
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	settings, err := app.Store.ListSettings(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing settings: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), settings)
}
