package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/cliapp"
	"github.com/bartekus/sentrygate/internal/model"
)

// NewRequestCommand returns the `sentrygate request` command group, the CLI
// surface for the orchestrator's createRequest/dryRun/approvePlan/
// executePlan operations.
func NewRequestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit, dry-run, approve, and execute agent action requests",
	}

	cmd.AddCommand(newRequestSubmitCommand())
	cmd.AddCommand(newRequestDryRunCommand())
	cmd.AddCommand(newRequestApproveCommand())
	cmd.AddCommand(newRequestExecuteCommand())

	return cmd
}

func newRequestSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new action request on behalf of an agent",
		RunE:  runRequestSubmit,
	}
	cmd.Flags().Int64("agent-id", 0, "submitting agent's id")
	cmd.Flags().String("type", "", "capability type: filesystem, shell, network, echo")
	cmd.Flags().String("operation", "", "operation: read, write, delete, list, move, run, allow, echo")
	cmd.Flags().String("params", "{}", "action params, as a JSON object")
	cmd.Flags().String("summary", "", "human-readable summary of the request")
	cmd.Flags().String("reasoning", "", "agent's reasoning trace, if any")
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func runRequestSubmit(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	agentID, _ := cmd.Flags().GetInt64("agent-id")
	typ, _ := cmd.Flags().GetString("type")
	operation, _ := cmd.Flags().GetString("operation")
	params, _ := cmd.Flags().GetString("params")
	summary, _ := cmd.Flags().GetString("summary")
	reasoning, _ := cmd.Flags().GetString("reasoning")

	if !json.Valid([]byte(params)) {
		return fmt.Errorf("params must be valid JSON, got %q", params)
	}

	result, err := app.Orchestrator.CreateRequest(cmd.Context(), agentID, model.ActionInput{
		Type:      model.CapabilityType(typ),
		Operation: operation,
		Params:    json.RawMessage(params),
	}, summary, reasoning)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), result)
}

func newRequestDryRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Dry-run a pending request, producing a scored, hashed plan",
		RunE:  runRequestDryRun,
	}
	cmd.Flags().Int64("agent-id", 0, "agent id that owns the request")
	cmd.Flags().Int64("request-id", 0, "request id")
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("request-id")
	return cmd
}

func runRequestDryRun(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	agentID, _ := cmd.Flags().GetInt64("agent-id")
	requestID, _ := cmd.Flags().GetInt64("request-id")

	result, err := app.Orchestrator.DryRun(cmd.Context(), agentID, requestID)
	if err != nil {
		return fmt.Errorf("dry run: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func newRequestApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve or reject a plan",
		RunE:  runRequestApprove,
	}
	cmd.Flags().String("admin", "", "admin user id making the decision")
	cmd.Flags().Int64("plan-id", 0, "plan id")
	cmd.Flags().Bool("reject", false, "reject instead of approve")
	_ = cmd.MarkFlagRequired("admin")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func runRequestApprove(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	admin, _ := cmd.Flags().GetString("admin")
	planID, _ := cmd.Flags().GetInt64("plan-id")
	reject, _ := cmd.Flags().GetBool("reject")

	decision := model.DecisionApproved
	if reject {
		decision = model.DecisionRejected
	}

	if err := app.Orchestrator.ApprovePlan(cmd.Context(), admin, planID, decision); err != nil {
		return fmt.Errorf("approving plan: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"planId": planID, "decision": decision})
}

func newRequestExecuteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute an approved plan",
		RunE:  runRequestExecute,
	}
	cmd.Flags().Int64("agent-id", 0, "agent id that owns the plan's request")
	cmd.Flags().Int64("plan-id", 0, "plan id")
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func runRequestExecute(cmd *cobra.Command, args []string) error {
	app, err := cliapp.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	agentID, _ := cmd.Flags().GetInt64("agent-id")
	planID, _ := cmd.Flags().GetInt64("plan-id")

	result, err := app.Orchestrator.ExecutePlan(cmd.Context(), agentID, planID)
	if err != nil {
		return fmt.Errorf("executing plan: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), result)
}
