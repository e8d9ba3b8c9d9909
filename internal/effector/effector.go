// Package effector defines the capability-specific plugin interface that
// turns an ActionRequest into an inspectable Plan (ValidateRequest, DryRun)
// and, once approved, carries it out (Execute). Concrete effectors live in
// the fs, shell, network, and echo subpackages; callers add them to a
// Registry built with NewRegistry.
package effector

import (
	"context"

	"github.com/bartekus/sentrygate/internal/model"
)

// Context carries the sandbox configuration every effector must honor. It is
// built fresh per request from the current Settings and passed down through
// ValidateRequest, DryRun, and Execute so an effector can never see stale
// policy from an earlier request.
type Context struct {
	AllowedRoots    []string
	ShellAllowlist  []string
	SafeModeEnabled bool
	AgentID         int64
	RequestID       int64
}

// Effector is the interface every capability type implements.
type Effector interface {
	// Type returns the capability this effector handles.
	Type() model.CapabilityType

	// ValidateRequest checks the ActionInput for structural and policy
	// validity before any plan is built. A non-nil error should be an
	// *apierr.Error carrying apierr.Validation or apierr.Authorization.
	ValidateRequest(ctx context.Context, ectx Context, input model.ActionInput) error

	// DryRun turns a validated ActionInput into the ordered PlanSteps an
	// Execute call would perform, without any side effects. Each step's
	// RiskScore/RiskFlags must already be populated (via internal/risk)
	// before DryRun returns.
	DryRun(ctx context.Context, ectx Context, input model.ActionInput) ([]model.PlanStep, error)

	// Execute carries out a previously approved Plan's steps in order,
	// returning one StepResult per step. Execute must not re-validate
	// policy that ValidateRequest already enforced, but must still honor
	// safe mode and sandbox roots, since settings can change between
	// approval and execution.
	Execute(ctx context.Context, ectx Context, steps []model.PlanStep) ([]model.StepResult, error)

	// DefaultConfig returns the zero-value configuration this effector
	// expects in an AgentCapability.Config, used when an admin grants a
	// capability without supplying one.
	DefaultConfig() any
}
