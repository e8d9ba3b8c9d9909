// Package orchestrator implements the six request-lifecycle operations:
// createRequest, dryRun, approvePlan, executePlan, setSafeMode, and
// emergencyLockdown. It is the glue between the Store, the effector
// Registry, the risk scorer, and the audit Log — which, apart from the audit
// Log writing through the Store, don't call one another, following a thin coordination layer over
// independently-testable provider interfaces.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bartekus/sentrygate/internal/apierr"
	"github.com/bartekus/sentrygate/internal/audit"
	"github.com/bartekus/sentrygate/internal/authn"
	"github.com/bartekus/sentrygate/internal/canon"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/logging"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/risk"
	"github.com/bartekus/sentrygate/internal/store"
)

// Orchestrator wires the Store, effector Registry, and audit Log together
// to carry out the request lifecycle.
type Orchestrator struct {
	store    store.Store
	registry *effector.Registry
	audit    *audit.Log
	log      logging.Logger
}

// New returns an Orchestrator backed by the given collaborators.
func New(s store.Store, r *effector.Registry, a *audit.Log, l logging.Logger) *Orchestrator {
	return &Orchestrator{store: s, registry: r, audit: a, log: l}
}

// settings reads the current sandbox policy into an effector.Context for
// the given agent/request, so every effector call sees the live policy
// rather than whatever was true when the process started.
func (o *Orchestrator) settings(ctx context.Context, agentID, requestID int64) (effector.Context, error) {
	ec := effector.Context{AgentID: agentID, RequestID: requestID}

	if s, err := o.store.GetSetting(ctx, model.SettingAllowedRoots); err == nil {
		_ = json.Unmarshal(s.Value, &ec.AllowedRoots)
	} else if err != store.ErrNotFound {
		return ec, fmt.Errorf("loading allowed_roots: %w", err)
	}

	if s, err := o.store.GetSetting(ctx, model.SettingShellAllowlist); err == nil {
		_ = json.Unmarshal(s.Value, &ec.ShellAllowlist)
	} else if err != store.ErrNotFound {
		return ec, fmt.Errorf("loading shell_allowlist: %w", err)
	}

	if s, err := o.store.GetSetting(ctx, model.SettingSafeMode); err == nil {
		_ = json.Unmarshal(s.Value, &ec.SafeModeEnabled)
	} else if err != store.ErrNotFound {
		return ec, fmt.Errorf("loading safe_mode: %w", err)
	}

	return ec, nil
}

// CreateRequestResult is the return value of CreateRequest.
type CreateRequestResult struct {
	RequestID int64
}

// CreateRequest validates and persists a new ActionRequest for agentID.
func (o *Orchestrator) CreateRequest(ctx context.Context, agentID int64, input model.ActionInput, summary, reasoningTrace string) (*CreateRequestResult, error) {
	grant, err := o.store.GetCapability(ctx, agentID, input.Type)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.Newf(apierr.Authorization, "capability %q not granted to agent %d", input.Type, agentID)
		}
		return nil, apierr.Wrap(apierr.Internal, "loading capability", err)
	}
	if !grant.Enabled {
		return nil, apierr.Newf(apierr.Authorization, "capability %q disabled for agent %d", input.Type, agentID)
	}

	eff, err := o.registry.Get(input.Type)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "no effector registered for capability", err)
	}

	ec, err := o.settings(ctx, agentID, 0)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "loading settings", err)
	}

	if err := eff.ValidateRequest(ctx, ec, input); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "invalid action input", err)
	}

	req, err := o.store.CreateRequest(ctx, &model.ActionRequest{
		AgentID:        agentID,
		Status:         model.RequestPending,
		Summary:        summary,
		Input:          input,
		ReasoningTrace: reasoningTrace,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persisting request", err)
	}

	if _, err := o.audit.Append(ctx, model.EventRequestCreated, map[string]any{
		"requestId": req.ID,
		"agentId":   agentID,
		"type":      input.Type,
		"operation": input.Operation,
	}); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "writing audit event", err)
	}

	return &CreateRequestResult{RequestID: req.ID}, nil
}

// DryRunResult is the return value of DryRun.
type DryRunResult struct {
	PlanID      int64
	Steps       []model.PlanStep
	RiskScore   int
	RiskSummary risk.Summary
}

// DryRun re-validates the request, builds the Plan from the effector's
// proposed steps, scores and hashes them, and transitions the request to
// "planned".
func (o *Orchestrator) DryRun(ctx context.Context, agentID, requestID int64) (*DryRunResult, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.NotFound, "request not found")
		}
		return nil, apierr.Wrap(apierr.Internal, "loading request", err)
	}
	if req.AgentID != agentID {
		return nil, apierr.New(apierr.Authorization, "request does not belong to agent")
	}

	eff, err := o.registry.Get(req.Input.Type)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "no effector registered for capability", err)
	}

	ec, err := o.settings(ctx, agentID, requestID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "loading settings", err)
	}

	if err := eff.ValidateRequest(ctx, ec, req.Input); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "invalid action input", err)
	}

	steps, err := safeDryRun(ctx, eff, ec, req.Input)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "dry run", err)
	}

	summary := risk.ScorePlan(steps)

	planHash, err := hashSteps(steps)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "hashing plan steps", err)
	}

	// Claim the pending->planned transition before persisting anything, so a
	// request that's no longer pending (already planned by a concurrent
	// DryRun, or moved on) is rejected with no Plan row and no audit event.
	ok, err := o.store.TransitionRequestStatus(ctx, requestID, model.RequestPending, model.RequestPlanned)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "transitioning request", err)
	}
	if !ok {
		return nil, apierr.Newf(apierr.State, "request %d is not pending", requestID)
	}

	plan, err := o.store.CreatePlan(ctx, &model.Plan{
		RequestID: requestID,
		PlanHash:  planHash,
		Steps:     steps,
		RiskScore: summary.TotalRiskScore,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persisting plan", err)
	}

	if _, err := o.audit.Append(ctx, model.EventDryRunComplete, map[string]any{
		"requestId": requestID,
		"planId":    plan.ID,
		"planHash":  planHash,
		"riskScore": summary.TotalRiskScore,
	}); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "writing audit event", err)
	}

	return &DryRunResult{
		PlanID:      plan.ID,
		Steps:       steps,
		RiskScore:   summary.TotalRiskScore,
		RiskSummary: summary,
	}, nil
}

// safeDryRun invokes eff.DryRun with a recover guard: a panic inside an
// effector (a nil dereference, a bad type assertion, an OS edge case) is
// converted into a plain error instead of crashing the whole process.
func safeDryRun(ctx context.Context, eff effector.Effector, ec effector.Context, input model.ActionInput) (steps []model.PlanStep, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effector panic during dry run: %v", r)
		}
	}()
	return eff.DryRun(ctx, ec, input)
}

// safeExecute is safeDryRun's counterpart for eff.Execute.
func safeExecute(ctx context.Context, eff effector.Effector, ec effector.Context, steps []model.PlanStep) (results []model.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effector panic during execute: %v", r)
		}
	}()
	return eff.Execute(ctx, ec, steps)
}

// hashSteps computes planHash = sha256Hex(canonicalJSON(steps)).
func hashSteps(steps []model.PlanStep) (string, error) {
	c, err := canon.JSON(steps)
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(c), nil
}

// ApprovePlan records an admin's decision and transitions the owning
// request. A second decision on an already-decided plan is a CONFLICT.
func (o *Orchestrator) ApprovePlan(ctx context.Context, adminUserID string, planID int64, decision model.ApprovalDecision) error {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		if err == store.ErrNotFound {
			return apierr.New(apierr.NotFound, "plan not found")
		}
		return apierr.Wrap(apierr.Internal, "loading plan", err)
	}

	if _, err := o.store.GetApprovalForPlan(ctx, planID); err == nil {
		return apierr.New(apierr.Conflict, "plan already decided")
	} else if err != store.ErrNotFound {
		return apierr.Wrap(apierr.Internal, "checking existing approval", err)
	}

	var to model.RequestStatus
	if decision == model.DecisionApproved {
		to = model.RequestApproved
	} else {
		to = model.RequestRejected
	}

	ok, err := o.store.TransitionRequestStatus(ctx, plan.RequestID, model.RequestPlanned, to)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "transitioning request", err)
	}
	if !ok {
		return apierr.New(apierr.Conflict, "request is not in a plannable state")
	}

	if _, err := o.store.CreateApproval(ctx, &model.Approval{
		PlanID:     planID,
		ApprovedBy: adminUserID,
		Decision:   decision,
	}); err != nil {
		return apierr.Wrap(apierr.Internal, "persisting approval", err)
	}

	if _, err := o.audit.Append(ctx, model.EventPlanDecision, map[string]any{
		"planId":     planID,
		"requestId":  plan.RequestID,
		"approvedBy": adminUserID,
		"decision":   decision,
	}); err != nil {
		return apierr.Wrap(apierr.Internal, "writing audit event", err)
	}

	return nil
}

// ExecutePlanResult is the return value of ExecutePlan.
type ExecutePlanResult struct {
	ReceiptID int64
	Status    model.ReceiptStatus
	Logs      []model.StepResult
}

// ExecutePlan re-derives and compares the plan hash before calling the
// effector's Execute, rejecting any plan whose steps were altered after
// approval.
func (o *Orchestrator) ExecutePlan(ctx context.Context, agentID, planID int64) (*ExecutePlanResult, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.NotFound, "plan not found")
		}
		return nil, apierr.Wrap(apierr.Internal, "loading plan", err)
	}

	req, err := o.store.GetRequest(ctx, plan.RequestID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.NotFound, "request not found")
		}
		return nil, apierr.Wrap(apierr.Internal, "loading request", err)
	}
	if req.AgentID != agentID {
		return nil, apierr.New(apierr.Authorization, "plan does not belong to agent")
	}
	if req.Status != model.RequestApproved {
		return nil, apierr.Newf(apierr.State, "request %d is not approved", req.ID)
	}

	recomputed, err := hashSteps(plan.Steps)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "re-hashing plan steps", err)
	}
	if recomputed != plan.PlanHash {
		return nil, apierr.New(apierr.Integrity, "plan hash mismatch: steps were modified after approval")
	}

	eff, err := o.registry.Get(req.Input.Type)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "no effector registered for capability", err)
	}

	ec, err := o.settings(ctx, agentID, req.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "loading settings", err)
	}

	results, err := safeExecute(ctx, eff, ec, plan.Steps)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "execute", err)
	}

	allSuccess := len(results) > 0
	anySuccess := false
	for _, r := range results {
		if r.Status == model.StepResultSuccess {
			anySuccess = true
		} else {
			allSuccess = false
		}
	}

	status := model.ReceiptPartialFailure
	reqStatus := model.RequestFailed
	if allSuccess {
		status = model.ReceiptSuccess
		reqStatus = model.RequestExecuted
	} else if !anySuccess {
		status = model.ReceiptFailure
		reqStatus = model.RequestFailed
	} else {
		reqStatus = model.RequestExecuted
	}

	receipt, err := o.store.CreateReceipt(ctx, &model.ExecutionReceipt{
		PlanID: planID,
		Status: status,
		Logs:   results,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persisting receipt", err)
	}

	if _, err := o.store.TransitionRequestStatus(ctx, req.ID, model.RequestApproved, reqStatus); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "transitioning request", err)
	}

	if _, err := o.audit.Append(ctx, model.EventPlanExecuted, map[string]any{
		"planId":    planID,
		"requestId": req.ID,
		"status":    status,
	}); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "writing audit event", err)
	}

	return &ExecutePlanResult{ReceiptID: receipt.ID, Status: status, Logs: results}, nil
}

// SetSafeMode updates the safe_mode setting and audits the change.
func (o *Orchestrator) SetSafeMode(ctx context.Context, adminUserID string, enabled bool) error {
	value, err := json.Marshal(enabled)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "marshaling safe_mode", err)
	}
	if err := o.store.PutSetting(ctx, model.SettingSafeMode, value); err != nil {
		return apierr.Wrap(apierr.Internal, "persisting safe_mode", err)
	}
	if _, err := o.audit.Append(ctx, model.EventSafeModeChanged, map[string]any{
		"adminUserId": adminUserID,
		"enabled":     enabled,
	}); err != nil {
		return apierr.Wrap(apierr.Internal, "writing audit event", err)
	}
	return nil
}

// EmergencyLockdown sets safe_mode true and rotates every agent's API key,
// effectively revoking all existing agent credentials.
func (o *Orchestrator) EmergencyLockdown(ctx context.Context, adminUserID string) error {
	value, err := json.Marshal(true)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "marshaling safe_mode", err)
	}
	if err := o.store.PutSetting(ctx, model.SettingSafeMode, value); err != nil {
		return apierr.Wrap(apierr.Internal, "persisting safe_mode", err)
	}

	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "listing agents", err)
	}

	affected := make([]int64, 0, len(agents))
	for _, a := range agents {
		_, hash, err := authn.GenerateAPIKey()
		if err != nil {
			return apierr.Wrap(apierr.Internal, "generating replacement api key", err)
		}
		if err := o.store.RotateAgentKey(ctx, a.ID, hash); err != nil {
			return apierr.Wrap(apierr.Internal, "rotating agent key", err)
		}
		affected = append(affected, a.ID)
	}

	if _, err := o.audit.Append(ctx, model.EventEmergencyLockdown, map[string]any{
		"adminUserId":    adminUserID,
		"severity":       "critical",
		"agentsAffected": affected,
	}); err != nil {
		return apierr.Wrap(apierr.Internal, "writing audit event", err)
	}

	o.log.Warn("emergency lockdown triggered", logging.NewField("adminUserId", adminUserID), logging.NewField("agentsAffected", len(affected)))
	return nil
}
