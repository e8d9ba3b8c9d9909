package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/model"
)

func TestValidateRequest_MissingMessage(t *testing.T) {
	e := New()
	input := model.ActionInput{Params: json.RawMessage(`{}`)}
	if err := e.ValidateRequest(context.Background(), effector.Context{}, input); err == nil {
		t.Fatal("expected validation error for missing message")
	}
}

func TestDryRunAndExecute_RoundTrip(t *testing.T) {
	e := New()
	input := model.ActionInput{Params: json.RawMessage(`{"message":"ping"}`)}

	steps, err := e.DryRun(context.Background(), effector.Context{}, input)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected exactly one step, got %d", len(steps))
	}
	if steps[0].RiskScore != 0 {
		t.Fatalf("expected zero risk, got %d", steps[0].RiskScore)
	}

	results, err := e.Execute(context.Background(), effector.Context{}, steps)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if results[0].Status != model.StepResultSuccess || results[0].Output != "ping" {
		t.Fatalf("expected success with output %q, got %+v", "ping", results[0])
	}
}
