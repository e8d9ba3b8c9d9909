package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/store/migrate"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

type sqliteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies any pending migrations.
func Open(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under the control plane's modest concurrency.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	if err := migrate.Run(ctx, db); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *sqliteStore) CreateAgent(ctx context.Context, name, apiKeyHash string) (*model.Agent, error) {
	createdAt := nowISO()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO agents (name, api_key_hash, created_at) VALUES (?, ?, ?)",
		name, apiKeyHash, createdAt)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

func (s *sqliteStore) scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	var a model.Agent
	var createdAt string
	var lastSeen sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.APIKeyHash, &createdAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	if lastSeen.Valid {
		t := parseTime(lastSeen.String)
		a.LastSeenAt = &t
	}
	return &a, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, api_key_hash, created_at, last_seen_at FROM agents WHERE id = ?", id)
	return s.scanAgent(row)
}

func (s *sqliteStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, api_key_hash, created_at, last_seen_at FROM agents WHERE api_key_hash = ?", hash)
	return s.scanAgent(row)
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, api_key_hash, created_at, last_seen_at FROM agents ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *sqliteStore) TouchAgentLastSeen(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE agents SET last_seen_at = ? WHERE id = ?", nowISO(), id)
	return err
}

func (s *sqliteStore) RotateAgentKey(ctx context.Context, id int64, newHash string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE agents SET api_key_hash = ? WHERE id = ?", newHash, id)
	return err
}

func (s *sqliteStore) UpsertCapability(ctx context.Context, agentID int64, typ model.CapabilityType, enabled bool, config []byte) (*model.AgentCapability, error) {
	if len(config) == 0 {
		config = []byte("{}")
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_capabilities (agent_id, type, enabled, config) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, type) DO UPDATE SET enabled = excluded.enabled, config = excluded.config
	`, agentID, string(typ), enabledInt, string(config))
	if err != nil {
		return nil, err
	}
	return s.GetCapability(ctx, agentID, typ)
}

func (s *sqliteStore) GetCapability(ctx context.Context, agentID int64, typ model.CapabilityType) (*model.AgentCapability, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, agent_id, type, enabled, config FROM agent_capabilities WHERE agent_id = ? AND type = ?", agentID, string(typ))
	var c model.AgentCapability
	var enabledInt int
	var typeStr, configStr string
	if err := row.Scan(&c.ID, &c.AgentID, &typeStr, &enabledInt, &configStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Type = model.CapabilityType(typeStr)
	c.Enabled = enabledInt != 0
	c.Config = json.RawMessage(configStr)
	return &c, nil
}

func (s *sqliteStore) ListCapabilities(ctx context.Context, agentID int64) ([]model.AgentCapability, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, agent_id, type, enabled, config FROM agent_capabilities WHERE agent_id = ? ORDER BY type ASC", agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []model.AgentCapability
	for rows.Next() {
		var c model.AgentCapability
		var enabledInt int
		var typeStr, configStr string
		if err := rows.Scan(&c.ID, &c.AgentID, &typeStr, &enabledInt, &configStr); err != nil {
			return nil, err
		}
		c.Type = model.CapabilityType(typeStr)
		c.Enabled = enabledInt != 0
		c.Config = json.RawMessage(configStr)
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	row := s.db.QueryRowContext(ctx, "SELECT key, value FROM settings WHERE key = ?", key)
	var st model.Setting
	var value string
	if err := row.Scan(&st.Key, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.Value = json.RawMessage(value)
	return &st, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, string(value))
	return err
}

func (s *sqliteStore) ListSettings(ctx context.Context) ([]model.Setting, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []model.Setting
	for rows.Next() {
		var st model.Setting
		var value string
		if err := rows.Scan(&st.Key, &value); err != nil {
			return nil, err
		}
		st.Value = json.RawMessage(value)
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

func (s *sqliteStore) CreateRequest(ctx context.Context, req *model.ActionRequest) (*model.ActionRequest, error) {
	createdAt := nowISO()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_requests (agent_id, status, summary, input_type, input_operation, input_params, reasoning_trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.AgentID, string(req.Status), req.Summary, string(req.Input.Type), req.Input.Operation, string(req.Input.Params), req.ReasoningTrace, createdAt)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

func (s *sqliteStore) GetRequest(ctx context.Context, id int64) (*model.ActionRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, summary, input_type, input_operation, input_params, reasoning_trace, created_at
		FROM action_requests WHERE id = ?
	`, id)
	return scanRequest(row)
}

func scanRequest(row interface{ Scan(...any) error }) (*model.ActionRequest, error) {
	var r model.ActionRequest
	var status, inputType, params, createdAt string
	if err := row.Scan(&r.ID, &r.AgentID, &status, &r.Summary, &inputType, &r.Input.Operation, &params, &r.ReasoningTrace, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	r.Input.Type = model.CapabilityType(inputType)
	r.Input.Params = json.RawMessage(params)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *sqliteStore) ListRequests(ctx context.Context, status model.RequestStatus) ([]model.ActionRequest, error) {
	query := `SELECT id, agent_id, status, summary, input_type, input_operation, input_params, reasoning_trace, created_at FROM action_requests`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []model.ActionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, rows.Err()
}

func (s *sqliteStore) TransitionRequestStatus(ctx context.Context, id int64, from, to model.RequestStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE action_requests SET status = ? WHERE id = ? AND status = ?", string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) CreatePlan(ctx context.Context, plan *model.Plan) (*model.Plan, error) {
	stepsJSON, err := json.Marshal(plan.Steps)
	if err != nil {
		return nil, err
	}
	createdAt := nowISO()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (request_id, plan_hash, steps, risk_score, created_at) VALUES (?, ?, ?, ?, ?)
	`, plan.RequestID, plan.PlanHash, string(stepsJSON), plan.RiskScore, createdAt)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetPlan(ctx, id)
}

func scanPlan(row interface{ Scan(...any) error }) (*model.Plan, error) {
	var p model.Plan
	var stepsJSON, createdAt string
	if err := row.Scan(&p.ID, &p.RequestID, &p.PlanHash, &stepsJSON, &p.RiskScore, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *sqliteStore) GetPlan(ctx context.Context, id int64) (*model.Plan, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, request_id, plan_hash, steps, risk_score, created_at FROM plans WHERE id = ?", id)
	return scanPlan(row)
}

func (s *sqliteStore) UpdatePlanSteps(ctx context.Context, id int64, steps []model.PlanStep) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE plans SET steps = ? WHERE id = ?", string(stepsJSON), id)
	return err
}

func (s *sqliteStore) GetLatestPlanForRequest(ctx context.Context, requestID int64) (*model.Plan, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, request_id, plan_hash, steps, risk_score, created_at FROM plans WHERE request_id = ? ORDER BY id DESC LIMIT 1", requestID)
	return scanPlan(row)
}

func (s *sqliteStore) CreateApproval(ctx context.Context, approval *model.Approval) (*model.Approval, error) {
	createdAt := nowISO()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (plan_id, approved_by, decision, created_at) VALUES (?, ?, ?, ?)
	`, approval.PlanID, approval.ApprovedBy, string(approval.Decision), createdAt)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT id, plan_id, approved_by, decision, created_at FROM approvals WHERE id = ?", id)
	var a model.Approval
	var decision, createdAtStr string
	if err := row.Scan(&a.ID, &a.PlanID, &a.ApprovedBy, &decision, &createdAtStr); err != nil {
		return nil, err
	}
	a.Decision = model.ApprovalDecision(decision)
	a.CreatedAt = parseTime(createdAtStr)
	return &a, nil
}

func (s *sqliteStore) GetApprovalForPlan(ctx context.Context, planID int64) (*model.Approval, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, plan_id, approved_by, decision, created_at FROM approvals WHERE plan_id = ? ORDER BY id DESC LIMIT 1", planID)
	var a model.Approval
	var decision, createdAt string
	if err := row.Scan(&a.ID, &a.PlanID, &a.ApprovedBy, &decision, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Decision = model.ApprovalDecision(decision)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *sqliteStore) CreateReceipt(ctx context.Context, receipt *model.ExecutionReceipt) (*model.ExecutionReceipt, error) {
	logsJSON, err := json.Marshal(receipt.Logs)
	if err != nil {
		return nil, err
	}
	executedAt := nowISO()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_receipts (plan_id, status, logs, executed_at) VALUES (?, ?, ?, ?)
	`, receipt.PlanID, string(receipt.Status), string(logsJSON), executedAt)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT id, plan_id, status, logs, executed_at FROM execution_receipts WHERE id = ?", id)
	var r model.ExecutionReceipt
	var status, logsStr, executedAtStr string
	if err := row.Scan(&r.ID, &r.PlanID, &status, &logsStr, &executedAtStr); err != nil {
		return nil, err
	}
	r.Status = model.ReceiptStatus(status)
	if err := json.Unmarshal([]byte(logsStr), &r.Logs); err != nil {
		return nil, err
	}
	r.ExecutedAt = parseTime(executedAtStr)
	return &r, nil
}

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, event *model.AuditEvent) (*model.AuditEvent, error) {
	createdAt := nowISO()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (prev_hash, event_hash, event_type, data, created_at) VALUES (?, ?, ?, ?, ?)
	`, event.PrevHash, event.EventHash, event.EventType, string(event.Data), createdAt)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT id, prev_hash, event_hash, event_type, data, created_at FROM audit_events WHERE id = ?", id)
	return scanAuditEvent(row)
}

func scanAuditEvent(row interface{ Scan(...any) error }) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var data, createdAt string
	if err := row.Scan(&e.ID, &e.PrevHash, &e.EventHash, &e.EventType, &data, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Data = json.RawMessage(data)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func (s *sqliteStore) GetLastAuditEvent(ctx context.Context) (*model.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, prev_hash, event_hash, event_type, data, created_at FROM audit_events ORDER BY id DESC LIMIT 1")
	return scanAuditEvent(row)
}

func (s *sqliteStore) ListAuditEvents(ctx context.Context) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, prev_hash, event_hash, event_type, data, created_at FROM audit_events ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
