package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/bartekus/sentrygate/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, "agent-a", "hash1")
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if agent.Name != "agent-a" {
		t.Fatalf("expected name agent-a, got %s", agent.Name)
	}

	got, err := s.GetAgentByAPIKeyHash(ctx, "hash1")
	if err != nil {
		t.Fatalf("GetAgentByAPIKeyHash() error = %v", err)
	}
	if got.ID != agent.ID {
		t.Fatalf("expected id %d, got %d", agent.ID, got.ID)
	}

	if err := s.RotateAgentKey(ctx, agent.ID, "hash2"); err != nil {
		t.Fatalf("RotateAgentKey() error = %v", err)
	}
	if _, err := s.GetAgentByAPIKeyHash(ctx, "hash1"); err == nil {
		t.Fatal("expected old hash to no longer resolve")
	}
	got2, err := s.GetAgentByAPIKeyHash(ctx, "hash2")
	if err != nil || got2.ID != agent.ID {
		t.Fatalf("expected rotated hash to resolve, err=%v", err)
	}

	if err := s.TouchAgentLastSeen(ctx, agent.ID); err != nil {
		t.Fatalf("TouchAgentLastSeen() error = %v", err)
	}
	touched, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if touched.LastSeenAt == nil {
		t.Fatal("expected LastSeenAt to be set")
	}

	agents, err := s.ListAgents(ctx)
	if err != nil || len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d (err=%v)", len(agents), err)
	}
}

func TestCapabilityUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, "agent-b", "hash")
	if err != nil {
		t.Fatal(err)
	}

	cap1, err := s.UpsertCapability(ctx, agent.ID, model.CapabilityFilesystem, true, nil)
	if err != nil {
		t.Fatalf("UpsertCapability() error = %v", err)
	}
	if !cap1.Enabled {
		t.Fatal("expected enabled true")
	}

	cap2, err := s.UpsertCapability(ctx, agent.ID, model.CapabilityFilesystem, false, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("UpsertCapability() error = %v", err)
	}
	if cap2.Enabled {
		t.Fatal("expected enabled false after upsert")
	}
	if string(cap2.Config) != `{"x":1}` {
		t.Fatalf("expected updated config, got %s", cap2.Config)
	}

	caps, err := s.ListCapabilities(ctx, agent.ID)
	if err != nil || len(caps) != 1 {
		t.Fatalf("expected 1 capability row (upsert, not duplicate), got %d (err=%v)", len(caps), err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutSetting(ctx, model.SettingSafeMode, []byte("true")); err != nil {
		t.Fatalf("PutSetting() error = %v", err)
	}
	got, err := s.GetSetting(ctx, model.SettingSafeMode)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if string(got.Value) != "true" {
		t.Fatalf("expected true, got %s", got.Value)
	}

	if err := s.PutSetting(ctx, model.SettingSafeMode, []byte("false")); err != nil {
		t.Fatalf("PutSetting() overwrite error = %v", err)
	}
	got2, _ := s.GetSetting(ctx, model.SettingSafeMode)
	if string(got2.Value) != "false" {
		t.Fatalf("expected overwrite to false, got %s", got2.Value)
	}
}

func TestRequestLifecycleTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, "agent-c", "hash")
	if err != nil {
		t.Fatal(err)
	}

	req, err := s.CreateRequest(ctx, &model.ActionRequest{
		AgentID: agent.ID,
		Status:  model.RequestPending,
		Input:   model.ActionInput{Type: model.CapabilityFilesystem, Operation: "read", Params: json.RawMessage(`{"path":"/tmp/sbx/x.txt"}`)},
	})
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if req.Status != model.RequestPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	ok, err := s.TransitionRequestStatus(ctx, req.ID, model.RequestPending, model.RequestPlanned)
	if err != nil || !ok {
		t.Fatalf("expected successful transition, ok=%v err=%v", ok, err)
	}

	// Conditional transition from a stale expected state must fail.
	ok2, err := s.TransitionRequestStatus(ctx, req.ID, model.RequestPending, model.RequestApproved)
	if err != nil {
		t.Fatalf("TransitionRequestStatus() error = %v", err)
	}
	if ok2 {
		t.Fatal("expected transition from stale state to fail")
	}

	updated, err := s.GetRequest(ctx, req.ID)
	if err != nil || updated.Status != model.RequestPlanned {
		t.Fatalf("expected status planned, got %v (err=%v)", updated, err)
	}
}

func TestPlanAndApprovalAndReceipt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, "agent-d", "hash")
	if err != nil {
		t.Fatal(err)
	}
	req, err := s.CreateRequest(ctx, &model.ActionRequest{AgentID: agent.ID, Status: model.RequestPending, Input: model.ActionInput{Type: model.CapabilityEcho, Operation: "echo"}})
	if err != nil {
		t.Fatal(err)
	}

	plan, err := s.CreatePlan(ctx, &model.Plan{
		RequestID: req.ID,
		PlanHash:  "deadbeef",
		Steps:     []model.PlanStep{{StepID: "s1", Type: model.StepEcho, RiskFlags: []string{}}},
		RiskScore: 0,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	latest, err := s.GetLatestPlanForRequest(ctx, req.ID)
	if err != nil || latest.ID != plan.ID {
		t.Fatalf("expected latest plan to match, err=%v", err)
	}

	approval, err := s.CreateApproval(ctx, &model.Approval{PlanID: plan.ID, ApprovedBy: "admin-1", Decision: model.DecisionApproved})
	if err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
	if approval.Decision != model.DecisionApproved {
		t.Fatalf("expected approved decision, got %s", approval.Decision)
	}

	receipt, err := s.CreateReceipt(ctx, &model.ExecutionReceipt{
		PlanID: plan.ID,
		Status: model.ReceiptSuccess,
		Logs:   []model.StepResult{{StepID: "s1", Status: model.StepResultSuccess}},
	})
	if err != nil {
		t.Fatalf("CreateReceipt() error = %v", err)
	}
	if receipt.Status != model.ReceiptSuccess || len(receipt.Logs) != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestAuditEventAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1, err := s.AppendAuditEvent(ctx, &model.AuditEvent{PrevHash: model.GenesisHash, EventHash: "h1", EventType: model.EventAdminLogin, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("AppendAuditEvent() error = %v", err)
	}

	last, err := s.GetLastAuditEvent(ctx)
	if err != nil || last.ID != e1.ID {
		t.Fatalf("expected last event to match, err=%v", err)
	}

	e2, err := s.AppendAuditEvent(ctx, &model.AuditEvent{PrevHash: e1.EventHash, EventHash: "h2", EventType: model.EventRequestCreated, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	events, err := s.ListAuditEvents(ctx)
	if err != nil || len(events) != 2 {
		t.Fatalf("expected 2 events, got %d (err=%v)", len(events), err)
	}
	if events[1].ID != e2.ID {
		t.Fatalf("expected ascending order by id")
	}
}
