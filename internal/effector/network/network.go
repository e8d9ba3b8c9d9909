// Package network implements the network capability effector. Per spec
// §4.C/§1 this is advisory-only: it records intent to allow traffic to a
// set of domains but performs no actual firewall change. Packet filtering
// is an explicit non-goal.
package network

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bartekus/sentrygate/internal/apierr"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/risk"
)

// Config is the AgentCapability.Config payload this effector recognizes.
type Config struct{}

type params struct {
	Domains []string `json:"domains"`
	Purpose string   `json:"purpose"`
}

// Effector implements effector.Effector for model.CapabilityNetwork.
type Effector struct{}

// New returns a network effector.
func New() *Effector { return &Effector{} }

func (e *Effector) Type() model.CapabilityType { return model.CapabilityNetwork }

func (e *Effector) DefaultConfig() any { return Config{} }

func parseParams(input model.ActionInput) (params, error) {
	var p params
	if len(input.Params) > 0 {
		if err := json.Unmarshal(input.Params, &p); err != nil {
			return p, apierr.Wrap(apierr.Validation, "invalid network params", err)
		}
	}
	return p, nil
}

func (e *Effector) ValidateRequest(ctx context.Context, ectx effector.Context, input model.ActionInput) error {
	p, err := parseParams(input)
	if err != nil {
		return err
	}
	if len(p.Domains) == 0 {
		return apierr.New(apierr.Validation, "domains is required")
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
		Type:        model.StepNetAllow,
		Description: "allow network access",
		Inputs:      inputsRaw,
	}

	scored := risk.ScoreStep(step)
	step.RiskScore = scored.Score
	step.RiskFlags = scored.Flags

	return []model.PlanStep{step}, nil
}

// Execute is advisory: it never touches any real firewall, it only records
// that the intent was carried out.
func (e *Effector) Execute(ctx context.Context, ectx effector.Context, steps []model.PlanStep) ([]model.StepResult, error) {
	now := time.Now().UTC()
	results := make([]model.StepResult, 0, len(steps))
	for _, step := range steps {
		var p params
		_ = json.Unmarshal(step.Inputs, &p)
		results = append(results, model.StepResult{
			StepID:    step.StepID,
			Status:    model.StepResultSuccess,
			Output:    "recorded advisory network allow (no firewall change applied)",
			Timestamp: now,
		})
	}
	return results, nil
}
