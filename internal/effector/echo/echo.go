// Package echo implements a test-only, zero-risk effector: it validates
// nothing beyond requiring a message, emits a single step, and returns the
// message verbatim as output. It exists for exercising the orchestrator's
// full request/plan/approve/execute pipeline without touching the
// filesystem, a shell, or the network.
package echo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bartekus/sentrygate/internal/apierr"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/model"
)

// Config is the AgentCapability.Config payload this effector recognizes.
// Execute does not read it: a step's delay comes from the request's
// delayMs param.
type Config struct {
	DelayMS int `json:"delayMs"`
}

type params struct {
	Message string `json:"message"`
	DelayMS int    `json:"delayMs"`
}

// Effector implements effector.Effector for model.CapabilityEcho.
type Effector struct{}

// New returns an echo effector.
func New() *Effector { return &Effector{} }

func (e *Effector) Type() model.CapabilityType { return model.CapabilityEcho }

func (e *Effector) DefaultConfig() any { return Config{} }

func parseParams(input model.ActionInput) (params, error) {
	var p params
	if len(input.Params) > 0 {
		if err := json.Unmarshal(input.Params, &p); err != nil {
			return p, apierr.Wrap(apierr.Validation, "invalid echo params", err)
		}
	}
	return p, nil
}

func (e *Effector) ValidateRequest(ctx context.Context, ectx effector.Context, input model.ActionInput) error {
	p, err := parseParams(input)
	if err != nil {
		return err
	}
	if p.Message == "" {
		return apierr.New(apierr.Validation, "message is required")
	}
	return nil
}

func (e *Effector) DryRun(ctx context.Context, ectx effector.Context, input model.ActionInput) ([]model.PlanStep, error) {
	p, err := parseParams(input)
	if err != nil {
		return nil, err
	}

	inputsRaw, err := json.Marshal(p)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal step inputs", err)
	}

	step := model.PlanStep{
		StepID:      uuid.NewString(),
		Type:        model.StepEcho,
		Description: "echo: " + p.Message,
		Inputs:      inputsRaw,
		Preview:     p.Message,
		RiskFlags:   []string{},
		RiskScore:   0,
	}
	return []model.PlanStep{step}, nil
}

func (e *Effector) Execute(ctx context.Context, ectx effector.Context, steps []model.PlanStep) ([]model.StepResult, error) {
	results := make([]model.StepResult, 0, len(steps))
	for _, step := range steps {
		var p params
		_ = json.Unmarshal(step.Inputs, &p)
		if p.DelayMS > 0 {
			select {
			case <-time.After(time.Duration(p.DelayMS) * time.Millisecond):
			case <-ctx.Done():
				results = append(results, model.StepResult{StepID: step.StepID, Status: model.StepResultFailed, Error: ctx.Err().Error(), Timestamp: time.Now().UTC()})
				continue
			}
		}
		results = append(results, model.StepResult{
			StepID:    step.StepID,
			Status:    model.StepResultSuccess,
			Output:    p.Message,
			Timestamp: time.Now().UTC(),
		})
	}
	return results, nil
}
