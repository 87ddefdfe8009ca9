package store

// Row models mirror table shapes one to one. Nullable columns map to
// pointers; instants are Unix milliseconds.

// TaskRecord mirrors one execution_history row.
type TaskRecord struct {
	ID            int64
	OperationType string
	Module        string
	StartedAt     int64
	CompletedAt   *int64
	Status        string
	InputSummary  string
	OutputSummary string
	ErrorMessage  *string
	ContractID    *int64
}

// Task lifecycle states recorded in execution_history.status.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

const taskColumns = `id, operation_type, module, started_at, completed_at, status, input_summary, output_summary, error_message, contract_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (TaskRecord, error) {
	var t TaskRecord
	err := s.Scan(&t.ID, &t.OperationType, &t.Module, &t.StartedAt, &t.CompletedAt,
		&t.Status, &t.InputSummary, &t.OutputSummary, &t.ErrorMessage, &t.ContractID)
	return t, err
}

// ActivityEntry mirrors one activity_log row.
type ActivityEntry struct {
	ID         int64
	Timestamp  int64
	Action     string
	EntityType string
	EntityID   string
	Severity   string
	Module     string
	Message    string
	Metadata   *string
}

const activityColumns = `id, timestamp, action, entity_type, entity_id, severity, module, short_message, metadata`

func scanActivity(s scanner) (ActivityEntry, error) {
	var a ActivityEntry
	err := s.Scan(&a.ID, &a.Timestamp, &a.Action, &a.EntityType, &a.EntityID,
		&a.Severity, &a.Module, &a.Message, &a.Metadata)
	return a, err
}

// Contract mirrors one contracts row. The kernel stores these opaquely:
// the columns exist for query filters, Data carries whatever the workers
// and front-end agreed on.
type Contract struct {
	ID             int64
	ContractNumber string
	ContractName   string
	ClientName     string
	Status         string
	TotalAmount    *float64
	Currency       *string
	StartDate      *string
	EndDate        *string
	CreatedAt      int64
	UpdatedAt      int64
	Data           *string
	Stages         []PaymentStage
}

const contractColumns = `id, contract_number, contract_name, client_name, status, total_amount, currency, start_date, end_date, created_at, updated_at, data`

func scanContract(s scanner) (Contract, error) {
	var c Contract
	err := s.Scan(&c.ID, &c.ContractNumber, &c.ContractName, &c.ClientName, &c.Status,
		&c.TotalAmount, &c.Currency, &c.StartDate, &c.EndDate, &c.CreatedAt, &c.UpdatedAt, &c.Data)
	return c, err
}

// PaymentStage mirrors one payment_stages row.
type PaymentStage struct {
	ID          int64
	ContractID  int64
	StageNumber int
	StageName   string
	Amount      *float64
	DueDate     *string
	Status      string
	Data        *string
}

const stageColumns = `id, contract_id, stage_number, stage_name, amount, due_date, status, data`

func scanStage(s scanner) (PaymentStage, error) {
	var p PaymentStage
	err := s.Scan(&p.ID, &p.ContractID, &p.StageNumber, &p.StageName,
		&p.Amount, &p.DueDate, &p.Status, &p.Data)
	return p, err
}

// ExecutionRow mirrors one workflow_execution row.
type ExecutionRow struct {
	ID             int64
	ExecutionID    string
	WorkflowID     string
	Status         string
	StartedAt      int64
	CompletedAt    *int64
	InitialContext *string
	ErrorMessage   *string
}

const executionColumns = `id, execution_id, workflow_id, status, started_at, completed_at, initial_context, error_message`

func scanExecution(s scanner) (ExecutionRow, error) {
	var e ExecutionRow
	err := s.Scan(&e.ID, &e.ExecutionID, &e.WorkflowID, &e.Status, &e.StartedAt,
		&e.CompletedAt, &e.InitialContext, &e.ErrorMessage)
	return e, err
}

// StepRow mirrors one workflow_step_execution row. Result holds the step's
// JSON result for completed steps; resumption rebuilds the result cache
// from it.
type StepRow struct {
	ID           int64
	ExecutionID  string
	StepID       string
	StepType     string
	Status       string
	RetryCount   int
	StartedAt    *int64
	CompletedAt  *int64
	Result       *string
	ErrorMessage *string
}

const stepColumns = `id, execution_id, step_id, step_type, status, retry_count, started_at, completed_at, result, error_message`

func scanStep(s scanner) (StepRow, error) {
	var r StepRow
	err := s.Scan(&r.ID, &r.ExecutionID, &r.StepID, &r.StepType, &r.Status,
		&r.RetryCount, &r.StartedAt, &r.CompletedAt, &r.Result, &r.ErrorMessage)
	return r, err
}

// ApprovalRow mirrors one workflow_approval row.
type ApprovalRow struct {
	ID             int64
	ExecutionID    string
	StepID         string
	Prompt         string
	AllowedActions string
	Decision       *string
	ActorID        *string
	Comment        *string
	RequestedAt    int64
	ResolvedAt     *int64
}

const approvalColumns = `id, execution_id, step_id, prompt, allowed_actions, decision, actor_id, comment, requested_at, resolved_at`

func scanApproval(s scanner) (ApprovalRow, error) {
	var a ApprovalRow
	err := s.Scan(&a.ID, &a.ExecutionID, &a.StepID, &a.Prompt, &a.AllowedActions,
		&a.Decision, &a.ActorID, &a.Comment, &a.RequestedAt, &a.ResolvedAt)
	return a, err
}

// SuggestionAuditRow mirrors one ai_suggestion_audit row.
type SuggestionAuditRow struct {
	ID             int64
	SuggestionID   string
	SuggestionType string
	Context        string
	Title          string
	Confidence     float64
	Level          string
	CreatedAt      int64
}

// GuardrailAuditRow mirrors one ai_guardrail_audit row.
type GuardrailAuditRow struct {
	ID           int64
	SuggestionID string
	Decision     string
	Reason       string
	Context      string
	CreatedAt    int64
}

// DraftAuditRow mirrors one ai_draft_audit row.
type DraftAuditRow struct {
	ID          int64
	DraftID     string
	Kind        string
	Status      string
	ContentHash string
	Context     string
	CreatedAt   int64
}
