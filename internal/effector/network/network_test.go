package network

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/model"
)

func TestValidateRequest_MissingDomains(t *testing.T) {
	e := New()
	input := model.ActionInput{Params: json.RawMessage(`{}`)}
	if err := e.ValidateRequest(context.Background(), effector.Context{}, input); err == nil {
		t.Fatal("expected validation error for missing domains")
	}
}

func TestDryRun_ScoresIPAndTLD(t *testing.T) {
	e := New()
	input := model.ActionInput{Params: json.RawMessage(`{"domains":["1.2.3.4","evil.ru"]}`)}

	steps, err := e.DryRun(context.Background(), effector.Context{}, input)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected exactly one NET_ALLOW step, got %d", len(steps))
	}
	if steps[0].Type != model.StepNetAllow {
		t.Fatalf("expected NET_ALLOW, got %s", steps[0].Type)
	}
	want := 15 + 25 + 20
	if steps[0].RiskScore != want {
		t.Fatalf("expected score %d, got %d", want, steps[0].RiskScore)
	}
}

func TestExecute_IsAdvisoryOnly(t *testing.T) {
	e := New()
	input := model.ActionInput{Params: json.RawMessage(`{"domains":["example.com"]}`)}
	steps, err := e.DryRun(context.Background(), effector.Context{}, input)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}

	results, err := e.Execute(context.Background(), effector.Context{}, steps)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if results[0].Status != model.StepResultSuccess {
		t.Fatalf("expected success (advisory), got %s", results[0].Status)
	}
}
