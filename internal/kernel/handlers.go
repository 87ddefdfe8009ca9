package kernel

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ordo-sh/ordo/internal/advisor"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/supervisor"
)

// local serves the operations the kernel answers without a worker.
func (k *Kernel) local(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Type {
	case "PING":
		return protocol.OKResponse(req.ID, map[string]any{
			"message": "PONG",
			"version": k.version,
		})
	case "GET_STATUS":
		return k.handleStatus(req)
	case "GET_ENGINE_STATUS":
		return protocol.OKResponse(req.ID, map[string]any{
			"engines": k.engineStatuses(),
		})
	case "QUERY_CONTRACTS":
		return k.handleQueryContracts(ctx, req)
	case "GET_CONTRACT_BY_ID":
		return k.handleGetContract(ctx, req)
	case "QUERY_EXECUTION_HISTORY":
		return k.handleQueryHistory(ctx, req)
	case "QUERY_ACTIVITY_LOGS":
		return k.handleQueryActivity(ctx, req)
	case "START_WORKFLOW":
		return k.handleStartWorkflow(ctx, req)
	case "RESOLVE_APPROVAL":
		return k.handleResolveApproval(ctx, req)
	case "GET_PENDING_APPROVALS":
		return k.handlePendingApprovals(ctx, req)
	case "REGISTER_WORKFLOW_TRIGGER":
		return k.handleRegisterTrigger(req)
	case "UNREGISTER_WORKFLOW_TRIGGER":
		return k.handleUnregisterTrigger(req)
	case "LIST_WORKFLOW_TRIGGERS":
		return protocol.OKResponse(req.ID, map[string]any{
			"triggers": k.engine.ListTriggers(),
		})
	case "GET_AI_SUGGESTIONS":
		return k.handleSuggestions(ctx, req)
	case "GENERATE_DRAFT":
		return k.handleGenerateDraft(ctx, req)
	case "SHUTDOWN":
		k.RequestShutdown("front-end request")
		return protocol.OKResponse(req.ID, map[string]any{
			"message": "shutting down",
		})
	default:
		return protocol.ErrResponse(req.ID, protocol.CodeNotImplemented,
			"no local handler for "+req.Type)
	}
}

// decodePayload unmarshals the request payload into dst. An absent payload
// leaves dst at its zero value. Returns a ready error response on bad JSON.
func decodePayload(req protocol.Request, dst any) *protocol.Response {
	if len(req.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		resp := protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
			"bad payload: "+err.Error())
		return &resp
	}
	return nil
}

func (k *Kernel) handleStatus(req protocol.Request) protocol.Response {
	result := map[string]any{
		"version":   k.version,
		"uptime_ms": time.Since(k.startedAt).Milliseconds(),
		"queue": map[string]any{
			"depth":    k.sched.QueueLength(),
			"capacity": k.queueCap,
		},
		"tasks": map[string]any{
			"processed": k.sched.Processed(),
			"failed":    k.sched.Failed(),
		},
		"workflows": map[string]any{
			"open_executions": k.engine.OpenExecutions(),
		},
		"engines": k.engineStatuses(),
	}
	if k.metrics != nil {
		result["metrics"] = k.metrics.Snapshot()
	}
	return protocol.OKResponse(req.ID, result)
}

// engineStatuses never returns nil so the wire shape stays a JSON array.
func (k *Kernel) engineStatuses() []supervisor.EngineStatus {
	statuses := k.sup.EngineStatus()
	if statuses == nil {
		statuses = []supervisor.EngineStatus{}
	}
	return statuses
}

// Wire views. Store rows carry no serialization tags, so every row type
// that crosses to the front end gets a snake_case view here.

type contractView struct {
	ID             int64       `json:"id"`
	ContractNumber string      `json:"contract_number"`
	ContractName   string      `json:"contract_name"`
	ClientName     string      `json:"client_name"`
	Status         string      `json:"status"`
	TotalAmount    *float64    `json:"total_amount,omitempty"`
	Currency       *string     `json:"currency,omitempty"`
	StartDate      *string     `json:"start_date,omitempty"`
	EndDate        *string     `json:"end_date,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
	Data           *string     `json:"data,omitempty"`
	Stages         []stageView `json:"stages,omitempty"`
}

type stageView struct {
	ID          int64    `json:"id"`
	ContractID  int64    `json:"contract_id"`
	StageNumber int      `json:"stage_number"`
	StageName   string   `json:"stage_name"`
	Amount      *float64 `json:"amount,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	Status      string   `json:"status"`
	Data        *string  `json:"data,omitempty"`
}

func toContractView(c store.Contract) contractView {
	v := contractView{
		ID:             c.ID,
		ContractNumber: c.ContractNumber,
		ContractName:   c.ContractName,
		ClientName:     c.ClientName,
		Status:         c.Status,
		TotalAmount:    c.TotalAmount,
		Currency:       c.Currency,
		StartDate:      c.StartDate,
		EndDate:        c.EndDate,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Data:           c.Data,
	}
	for _, s := range c.Stages {
		v.Stages = append(v.Stages, stageView{
			ID:          s.ID,
			ContractID:  s.ContractID,
			StageNumber: s.StageNumber,
			StageName:   s.StageName,
			Amount:      s.Amount,
			DueDate:     s.DueDate,
			Status:      s.Status,
			Data:        s.Data,
		})
	}
	return v
}

type taskView struct {
	ID            int64   `json:"id"`
	OperationType string  `json:"operation_type"`
	Module        string  `json:"module"`
	StartedAt     int64   `json:"started_at"`
	CompletedAt   *int64  `json:"completed_at,omitempty"`
	Status        string  `json:"status"`
	InputSummary  string  `json:"input_summary"`
	OutputSummary string  `json:"output_summary"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	ContractID    *int64  `json:"contract_id,omitempty"`
}

type activityView struct {
	ID         int64   `json:"id"`
	Timestamp  int64   `json:"timestamp"`
	Action     string  `json:"action"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Severity   string  `json:"severity"`
	Module     string  `json:"module"`
	Message    string  `json:"message"`
	Metadata   *string `json:"metadata,omitempty"`
}

type approvalView struct {
	ID             int64    `json:"id"`
	ExecutionID    string   `json:"execution_id"`
	StepID         string   `json:"step_id"`
	Prompt         string   `json:"prompt"`
	AllowedActions []string `json:"allowed_actions"`
	Decision       *string  `json:"decision,omitempty"`
	ActorID        *string  `json:"actor_id,omitempty"`
	Comment        *string  `json:"comment,omitempty"`
	RequestedAt    int64    `json:"requested_at"`
	ResolvedAt     *int64   `json:"resolved_at,omitempty"`
}

func toApprovalView(a store.ApprovalRow) approvalView {
	var actions []string
	if a.AllowedActions != "" {
		actions = strings.Split(a.AllowedActions, ",")
	}
	return approvalView{
		ID:             a.ID,
		ExecutionID:    a.ExecutionID,
		StepID:         a.StepID,
		Prompt:         a.Prompt,
		AllowedActions: actions,
		Decision:       a.Decision,
		ActorID:        a.ActorID,
		Comment:        a.Comment,
		RequestedAt:    a.RequestedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}

func (k *Kernel) handleQueryContracts(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		Status string `json:"status"`
		Search string `json:"search"`
		From   string `json:"from"`
		To     string `json:"to"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	contracts, err := k.store.Contracts.Query(ctx, store.ContractFilter{
		Status: q.Status,
		Search: q.Search,
		From:   q.From,
		To:     q.To,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		return k.errorResponse(req.ID, err)
	}
	views := make([]contractView, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, toContractView(c))
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"contracts": views,
		"count":     len(views),
	})
}

func (k *Kernel) handleGetContract(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		ID int64 `json:"id"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	if q.ID <= 0 {
		return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed, "id is required")
	}
	contract, err := k.store.Contracts.GetByID(ctx, q.ID)
	if err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"contract": toContractView(*contract),
	})
}

func (k *Kernel) handleQueryHistory(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		Status        string `json:"status"`
		OperationType string `json:"operation_type"`
		Since         int64  `json:"since"`
		Until         int64  `json:"until"`
		Limit         int    `json:"limit"`
		Offset        int    `json:"offset"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	records := k.store.History.Query(ctx, store.HistoryFilter{
		Status:        q.Status,
		OperationType: q.OperationType,
		Since:         q.Since,
		Until:         q.Until,
		Limit:         q.Limit,
		Offset:        q.Offset,
	})
	views := make([]taskView, 0, len(records))
	for _, r := range records {
		views = append(views, taskView(r))
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"tasks": views,
		"count": len(views),
	})
}

func (k *Kernel) handleQueryActivity(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		Action   string `json:"action"`
		Severity string `json:"severity"`
		Module   string `json:"module"`
		Since    int64  `json:"since"`
		Until    int64  `json:"until"`
		Limit    int    `json:"limit"`
		Offset   int    `json:"offset"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	entries := k.store.Activity.Query(ctx, store.ActivityFilter{
		Action:   q.Action,
		Severity: q.Severity,
		Module:   q.Module,
		Since:    q.Since,
		Until:    q.Until,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	views := make([]activityView, 0, len(entries))
	for _, e := range entries {
		views = append(views, activityView(e))
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"entries": views,
		"count":   len(views),
	})
}

func (k *Kernel) handleStartWorkflow(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		WorkflowID     string         `json:"workflow_id"`
		InitialContext map[string]any `json:"initial_context"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	if q.WorkflowID == "" {
		return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed, "workflow_id is required")
	}
	executionID, err := k.engine.StartWorkflow(ctx, q.WorkflowID, q.InitialContext)
	if err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"execution_id": executionID,
		"workflow_id":  q.WorkflowID,
	})
}

func (k *Kernel) handleResolveApproval(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		ExecutionID string `json:"execution_id"`
		StepID      string `json:"step_id"`
		Decision    string `json:"decision"`
		ActorID     string `json:"actor_id"`
		Comment     string `json:"comment"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	if q.ExecutionID == "" || q.StepID == "" || q.Decision == "" {
		return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
			"execution_id, step_id and decision are required")
	}
	if err := k.engine.ResolveApproval(ctx, q.ExecutionID, q.StepID, q.Decision, q.ActorID, q.Comment); err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"execution_id": q.ExecutionID,
		"step_id":      q.StepID,
		"decision":     q.Decision,
		"resolved":     true,
	})
}

func (k *Kernel) handlePendingApprovals(ctx context.Context, req protocol.Request) protocol.Response {
	rows, err := k.engine.ListPendingApprovals(ctx)
	if err != nil {
		return k.errorResponse(req.ID, err)
	}
	views := make([]approvalView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toApprovalView(row))
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"approvals": views,
		"count":     len(views),
	})
}

func (k *Kernel) handleRegisterTrigger(req protocol.Request) protocol.Response {
	var q struct {
		Topic      string `json:"topic"`
		WorkflowID string `json:"workflow_id"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	if q.Topic == "" || q.WorkflowID == "" {
		return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
			"topic and workflow_id are required")
	}
	if err := k.engine.RegisterTrigger(q.Topic, q.WorkflowID); err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"topic":       q.Topic,
		"workflow_id": q.WorkflowID,
	})
}

func (k *Kernel) handleUnregisterTrigger(req protocol.Request) protocol.Response {
	var q struct {
		Topic      string `json:"topic"`
		WorkflowID string `json:"workflow_id"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	if q.Topic == "" || q.WorkflowID == "" {
		return protocol.ErrResponse(req.ID, protocol.CodeValidationFailed,
			"topic and workflow_id are required")
	}
	if err := k.engine.UnregisterTrigger(q.Topic, q.WorkflowID); err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"topic":       q.Topic,
		"workflow_id": q.WorkflowID,
	})
}

func (k *Kernel) handleSuggestions(ctx context.Context, req protocol.Request) protocol.Response {
	var q struct {
		Context string `json:"context"`
	}
	if resp := decodePayload(req, &q); resp != nil {
		return *resp
	}
	suggestions, err := k.advisor.Suggestions(ctx, q.Context)
	if err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

func (k *Kernel) handleGenerateDraft(ctx context.Context, req protocol.Request) protocol.Response {
	var dr advisor.DraftRequest
	if resp := decodePayload(req, &dr); resp != nil {
		return *resp
	}
	draft, err := k.advisor.GenerateDraft(ctx, dr)
	if err != nil {
		return k.errorResponse(req.ID, err)
	}
	return protocol.OKResponse(req.ID, map[string]any{
		"draft": draft,
	})
}
