package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/authn"
	"github.com/bartekus/sentrygate/internal/cliapp"
	"github.com/bartekus/sentrygate/internal/model"
)

// NewAgentCommand returns the `sentrygate agent` command group.
func NewAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents and their capabilities",
	}

	cmd.AddCommand(newAgentCreateCommand())
	cmd.AddCommand(newAgentRotateKeyCommand())
	cmd.AddCommand(newAgentCapabilityCommand())
	cmd.AddCommand(newAgentListCommand())

	return cmd
}

func newAgentCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new agent and print its plaintext API key",
		RunE:  runAgentCreate,
	}
	cmd.Flags().String("name", "", "agent name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	plaintext, hash, err := authn.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	agent, err := app.Store.CreateAgent(cmd.Context(), name, hash)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	if _, err := app.Audit.Append(cmd.Context(), model.EventAgentCreated, map[string]any{
		"agentId": agent.ID,
		"name":    agent.Name,
	}); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"agentId": agent.ID,
		"name":    agent.Name,
		"apiKey":  plaintext,
		"warning": "this plaintext key is shown once and is not recoverable",
	})
}

func newAgentRotateKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate an agent's API key, printing the new plaintext key",
		RunE:  runAgentRotateKey,
	}
	cmd.Flags().Int64("agent-id", 0, "agent id")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func runAgentRotateKey(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	agentID, _ := cmd.Flags().GetInt64("agent-id")
	plaintext, hash, err := authn.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	if err := app.Store.RotateAgentKey(cmd.Context(), agentID, hash); err != nil {
		return fmt.Errorf("rotating agent key: %w", err)
	}

	if _, err := app.Audit.Append(cmd.Context(), model.EventAgentKeyRotated, map[string]any{
		"agentId": agentID,
	}); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"agentId": agentID,
		"apiKey":  plaintext,
	})
}

func newAgentCapabilityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capability",
		Short: "Grant, revoke, or configure an agent's capability",
		RunE:  runAgentCapability,
	}
	cmd.Flags().Int64("agent-id", 0, "agent id")
	cmd.Flags().String("type", "", "capability type: filesystem, shell, network, echo")
	cmd.Flags().Bool("enabled", true, "whether the capability is enabled")
	cmd.Flags().String("config", "{}", "capability config, as a JSON object")
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func runAgentCapability(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	agentID, _ := cmd.Flags().GetInt64("agent-id")
	typ, _ := cmd.Flags().GetString("type")
	enabled, _ := cmd.Flags().GetBool("enabled")
	configJSON, _ := cmd.Flags().GetString("config")

	grant, err := app.Store.UpsertCapability(cmd.Context(), agentID, model.CapabilityType(typ), enabled, []byte(configJSON))
	if err != nil {
		return fmt.Errorf("upserting capability: %w", err)
	}

	if _, err := app.Audit.Append(cmd.Context(), model.EventCapabilityUpdated, map[string]any{
		"agentId": agentID,
		"type":    typ,
		"enabled": enabled,
	}); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), grant)
}

func newAgentListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all agents",
		RunE:  runAgentList,
	}
}

func runAgentList(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	agents, err := app.Store.ListAgents(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), agents)
}
