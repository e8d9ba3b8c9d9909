package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bartekus/sentrygate/internal/apierr"
	"github.com/bartekus/sentrygate/internal/audit"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/effector/echo"
	"github.com/bartekus/sentrygate/internal/effector/fs"
	"github.com/bartekus/sentrygate/internal/logging"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/store"
)

func newTestOrchestrator(t *testing.T, allowedRoots []string) (*Orchestrator, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "orch-test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := effector.NewRegistry(logging.NewLogger(false))
	reg.Register(fs.New())
	reg.Register(echo.New())

	rootsJSON, _ := json.Marshal(allowedRoots)
	if err := s.PutSetting(context.Background(), model.SettingAllowedRoots, rootsJSON); err != nil {
		t.Fatal(err)
	}
	safeModeJSON, _ := json.Marshal(false)
	if err := s.PutSetting(context.Background(), model.SettingSafeMode, safeModeJSON); err != nil {
		t.Fatal(err)
	}

	return New(s, reg, audit.New(s), logging.NewLogger(false)), s
}

// panickyEffector simulates an effector bug (nil dereference, bad
// assertion, OS edge case) to exercise the orchestrator's panic recovery.
type panickyEffector struct {
	typ     model.CapabilityType
	panicOn string // "dryrun" or "execute"
}

func (p *panickyEffector) Type() model.CapabilityType { return p.typ }
func (p *panickyEffector) ValidateRequest(ctx context.Context, ectx effector.Context, input model.ActionInput) error {
	return nil
}
func (p *panickyEffector) DryRun(ctx context.Context, ectx effector.Context, input model.ActionInput) ([]model.PlanStep, error) {
	if p.panicOn == "dryrun" {
		panic("simulated effector bug")
	}
	return []model.PlanStep{{StepID: "1", Type: model.StepEcho}}, nil
}
func (p *panickyEffector) Execute(ctx context.Context, ectx effector.Context, steps []model.PlanStep) ([]model.StepResult, error) {
	if p.panicOn == "execute" {
		panic("simulated effector bug")
	}
	return nil, nil
}
func (p *panickyEffector) DefaultConfig() any { return nil }

func createTestAgent(t *testing.T, s store.Store, caps ...model.CapabilityType) *model.Agent {
	t.Helper()
	a, err := s.CreateAgent(context.Background(), "agent-a", "hash")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range caps {
		if _, err := s.UpsertCapability(context.Background(), a.ID, c, true, []byte("{}")); err != nil {
			t.Fatal(err)
		}
	}
	return a
}

// Happy path: a read request flows through create, dry-run, approve, and
// execute, ending with the file's contents in the step result.
func TestFullLifecycle_HappyPathRead(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	o, s := newTestOrchestrator(t, []string{dir})
	agent := createTestAgent(t, s, model.CapabilityFilesystem)
	ctx := context.Background()

	cr, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityFilesystem,
		Operation: "read",
		Params:    json.RawMessage(`{"path":"` + file + `"}`),
	}, "read a file", "")
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	dr, err := o.DryRun(ctx, agent.ID, cr.RequestID)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if len(dr.Steps) != 1 || dr.Steps[0].Type != model.StepFSRead {
		t.Fatalf("expected one FS_READ step, got %+v", dr.Steps)
	}
	if dr.RiskScore != 5 {
		t.Fatalf("expected riskScore 5, got %d", dr.RiskScore)
	}

	req, err := s.GetRequest(ctx, cr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != model.RequestPlanned {
		t.Fatalf("expected status planned, got %s", req.Status)
	}

	if err := o.ApprovePlan(ctx, "admin", dr.PlanID, model.DecisionApproved); err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}

	exec, err := o.ExecutePlan(ctx, agent.ID, dr.PlanID)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if exec.Status != model.ReceiptSuccess {
		t.Fatalf("expected success receipt, got %s", exec.Status)
	}
	if len(exec.Logs) != 1 || exec.Logs[0].Output != "hello" {
		t.Fatalf("expected output 'hello', got %+v", exec.Logs)
	}
}

// A request targeting a path outside the sandbox is flagged path_denied with
// a score of 50 and never actually reads the file.
func TestFullLifecycle_PathDenial(t *testing.T) {
	dir := t.TempDir()
	o, s := newTestOrchestrator(t, []string{dir})
	agent := createTestAgent(t, s, model.CapabilityFilesystem)
	ctx := context.Background()

	cr, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityFilesystem,
		Operation: "read",
		Params:    json.RawMessage(`{"path":"/etc/passwd"}`),
	}, "read outside sandbox", "")
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	dr, err := o.DryRun(ctx, agent.ID, cr.RequestID)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if dr.RiskScore != 50 {
		t.Fatalf("expected riskScore 50, got %d", dr.RiskScore)
	}

	if err := o.ApprovePlan(ctx, "admin", dr.PlanID, model.DecisionApproved); err != nil {
		t.Fatal(err)
	}

	exec, err := o.ExecutePlan(ctx, agent.ID, dr.PlanID)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if exec.Status == model.ReceiptSuccess {
		t.Fatal("expected execution to not report success for a denied path")
	}
}

// A plan's steps tampered with after approval are caught by ExecutePlan's
// hash re-derivation check rather than silently executed.
func TestExecutePlan_DetectsHashTampering(t *testing.T) {
	o, s := newTestOrchestrator(t, []string{t.TempDir()})
	agent := createTestAgent(t, s, model.CapabilityEcho)
	ctx := context.Background()

	cr, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityEcho,
		Operation: "echo",
		Params:    json.RawMessage(`{"message":"hi"}`),
	}, "echo hi", "")
	if err != nil {
		t.Fatal(err)
	}
	dr, err := o.DryRun(ctx, agent.ID, cr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.ApprovePlan(ctx, "admin", dr.PlanID, model.DecisionApproved); err != nil {
		t.Fatal(err)
	}

	plan, err := s.GetPlan(ctx, dr.PlanID)
	if err != nil {
		t.Fatal(err)
	}
	plan.Steps[0].Description = "tampered description"
	if err := s.UpdatePlanSteps(ctx, plan.ID, plan.Steps); err != nil {
		t.Fatal(err)
	}

	_, err = o.ExecutePlan(ctx, agent.ID, dr.PlanID)
	if err == nil {
		t.Fatal("expected ExecutePlan to reject a tampered plan")
	}
	if code, ok := apierr.As(err); !ok || code != apierr.Integrity {
		t.Fatalf("expected INTEGRITY error, got %v", err)
	}
}

func TestApprovePlan_DoubleDecisionIsConflict(t *testing.T) {
	o, s := newTestOrchestrator(t, []string{t.TempDir()})
	agent := createTestAgent(t, s, model.CapabilityEcho)
	ctx := context.Background()

	cr, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityEcho,
		Operation: "echo",
		Params:    json.RawMessage(`{"message":"hi"}`),
	}, "echo hi", "")
	if err != nil {
		t.Fatal(err)
	}
	dr, err := o.DryRun(ctx, agent.ID, cr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.ApprovePlan(ctx, "admin", dr.PlanID, model.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	err = o.ApprovePlan(ctx, "admin", dr.PlanID, model.DecisionApproved)
	if err == nil {
		t.Fatal("expected second approval to fail")
	}
	if code, ok := apierr.As(err); !ok || code != apierr.Conflict {
		t.Fatalf("expected CONFLICT error, got %v", err)
	}
}

// Emergency lockdown rotates every agent's key and forces safe mode on.
func TestEmergencyLockdown_RotatesKeysAndForcesSafeMode(t *testing.T) {
	o, s := newTestOrchestrator(t, []string{t.TempDir()})
	agent := createTestAgent(t, s, model.CapabilityEcho)
	ctx := context.Background()

	before, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := o.EmergencyLockdown(ctx, "admin"); err != nil {
		t.Fatalf("EmergencyLockdown() error = %v", err)
	}

	after, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.APIKeyHash == before.APIKeyHash {
		t.Fatal("expected agent's key hash to be rotated")
	}

	sm, err := s.GetSetting(ctx, model.SettingSafeMode)
	if err != nil {
		t.Fatal(err)
	}
	var enabled bool
	if err := json.Unmarshal(sm.Value, &enabled); err != nil {
		t.Fatal(err)
	}
	if !enabled {
		t.Fatal("expected safe_mode to be forced on")
	}
}

func TestSetSafeMode_TogglesSetting(t *testing.T) {
	o, s := newTestOrchestrator(t, []string{t.TempDir()})
	ctx := context.Background()

	if err := o.SetSafeMode(ctx, "admin", true); err != nil {
		t.Fatal(err)
	}
	sm, err := s.GetSetting(ctx, model.SettingSafeMode)
	if err != nil {
		t.Fatal(err)
	}
	var enabled bool
	if err := json.Unmarshal(sm.Value, &enabled); err != nil {
		t.Fatal(err)
	}
	if !enabled {
		t.Fatal("expected safe_mode true after SetSafeMode(true)")
	}
}

// newTestOrchestratorWithPanickyEffector is like newTestOrchestrator but
// registers panicky in place of the built-in echo effector (Register is
// idempotent and keeps whichever effector registers first for a type).
func newTestOrchestratorWithPanickyEffector(t *testing.T, panicOn string) (*Orchestrator, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "orch-panic-test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := effector.NewRegistry(logging.NewLogger(false))
	reg.Register(&panickyEffector{typ: model.CapabilityEcho, panicOn: panicOn})

	safeModeJSON, _ := json.Marshal(false)
	if err := s.PutSetting(context.Background(), model.SettingSafeMode, safeModeJSON); err != nil {
		t.Fatal(err)
	}

	return New(s, reg, audit.New(s), logging.NewLogger(false)), s
}

// DryRun must not let a panicking effector crash the process; it should
// surface an INTERNAL error instead.
func TestDryRun_RecoversEffectorPanic(t *testing.T) {
	o, s := newTestOrchestratorWithPanickyEffector(t, "dryrun")
	agent := createTestAgent(t, s, model.CapabilityEcho)
	ctx := context.Background()

	cr, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityEcho,
		Operation: "echo",
		Params:    json.RawMessage(`{"message":"hi"}`),
	}, "echo hi", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.DryRun(ctx, agent.ID, cr.RequestID)
	if err == nil {
		t.Fatal("expected DryRun to return an error when the effector panics")
	}
	if code, ok := apierr.As(err); !ok || code != apierr.Internal {
		t.Fatalf("expected INTERNAL error, got %v", err)
	}

	req, err := s.GetRequest(ctx, cr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != model.RequestPending {
		t.Fatalf("expected request to remain pending after a panicking dry run, got %s", req.Status)
	}
}

// ExecutePlan must not let a panicking effector crash the process; it
// should surface an INTERNAL error instead of taking down the control plane.
func TestExecutePlan_RecoversEffectorPanic(t *testing.T) {
	o, s := newTestOrchestratorWithPanickyEffector(t, "execute")
	agent := createTestAgent(t, s, model.CapabilityEcho)
	ctx := context.Background()

	cr, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityEcho,
		Operation: "echo",
		Params:    json.RawMessage(`{"message":"hi"}`),
	}, "echo hi", "")
	if err != nil {
		t.Fatal(err)
	}
	dr, err := o.DryRun(ctx, agent.ID, cr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.ApprovePlan(ctx, "admin", dr.PlanID, model.DecisionApproved); err != nil {
		t.Fatal(err)
	}

	_, err = o.ExecutePlan(ctx, agent.ID, dr.PlanID)
	if err == nil {
		t.Fatal("expected ExecutePlan to return an error when the effector panics")
	}
	if code, ok := apierr.As(err); !ok || code != apierr.Internal {
		t.Fatalf("expected INTERNAL error, got %v", err)
	}
}

func TestCreateRequest_RejectsDisabledCapability(t *testing.T) {
	o, s := newTestOrchestrator(t, []string{t.TempDir()})
	agent := createTestAgent(t, s) // no capabilities granted
	ctx := context.Background()

	_, err := o.CreateRequest(ctx, agent.ID, model.ActionInput{
		Type:      model.CapabilityEcho,
		Operation: "echo",
		Params:    json.RawMessage(`{"message":"hi"}`),
	}, "echo hi", "")
	if err == nil {
		t.Fatal("expected error for ungranted capability")
	}
}
