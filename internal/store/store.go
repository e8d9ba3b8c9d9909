// Package store defines the persistence interface over the control plane's
// entities (declared in internal/model) and a sqlite-backed implementation, using modernc.org/sqlite (a pure-Go,
// cgo-free driver) to match a local-first, single-node deployment target,
// with migrations applied via the internal/store/migrate engine.
package store

import (
	"context"

	"github.com/bartekus/sentrygate/internal/model"
)

// Store is the full persistence surface the orchestrator depends on.
type Store interface {
	CreateAgent(ctx context.Context, name, apiKeyHash string) (*model.Agent, error)
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	TouchAgentLastSeen(ctx context.Context, id int64) error
	RotateAgentKey(ctx context.Context, id int64, newHash string) error

	UpsertCapability(ctx context.Context, agentID int64, typ model.CapabilityType, enabled bool, config []byte) (*model.AgentCapability, error)
	GetCapability(ctx context.Context, agentID int64, typ model.CapabilityType) (*model.AgentCapability, error)
	ListCapabilities(ctx context.Context, agentID int64) ([]model.AgentCapability, error)

	GetSetting(ctx context.Context, key string) (*model.Setting, error)
	PutSetting(ctx context.Context, key string, value []byte) error
	ListSettings(ctx context.Context) ([]model.Setting, error)

	CreateRequest(ctx context.Context, req *model.ActionRequest) (*model.ActionRequest, error)
	GetRequest(ctx context.Context, id int64) (*model.ActionRequest, error)
	ListRequests(ctx context.Context, status model.RequestStatus) ([]model.ActionRequest, error)
	// TransitionRequestStatus performs a conditional update, succeeding only
	// if the request's current status equals from; it returns false (no
	// error) if the precondition didn't hold so callers can surface a
	// STATE/CONFLICT error without a read-then-write race.
	TransitionRequestStatus(ctx context.Context, id int64, from, to model.RequestStatus) (bool, error)

	CreatePlan(ctx context.Context, plan *model.Plan) (*model.Plan, error)
	GetPlan(ctx context.Context, id int64) (*model.Plan, error)
	GetLatestPlanForRequest(ctx context.Context, requestID int64) (*model.Plan, error)
	// UpdatePlanSteps overwrites a plan's stored steps in place without
	// touching planHash, so tests (and, in principle, a corrupted write
	// path) can exercise ExecutePlan's hash re-derivation check against a
	// plan whose steps and hash now disagree.
	UpdatePlanSteps(ctx context.Context, id int64, steps []model.PlanStep) error

	CreateApproval(ctx context.Context, approval *model.Approval) (*model.Approval, error)
	GetApprovalForPlan(ctx context.Context, planID int64) (*model.Approval, error)

	CreateReceipt(ctx context.Context, receipt *model.ExecutionReceipt) (*model.ExecutionReceipt, error)

	AppendAuditEvent(ctx context.Context, event *model.AuditEvent) (*model.AuditEvent, error)
	GetLastAuditEvent(ctx context.Context) (*model.AuditEvent, error)
	ListAuditEvents(ctx context.Context) ([]model.AuditEvent, error)

	Close() error
}
