package testutil

import (
	"time"

	"github.com/ordo-sh/ordo/internal/store"
)

// TaskOption adjusts one execution_history row before insertion.
type TaskOption func(*store.TaskRecord)

func defaultTask(opType string) store.TaskRecord {
	started := time.Now().Add(-time.Hour).UnixMilli()
	completed := started + 1500
	return store.TaskRecord{
		OperationType: opType,
		Module:        "python",
		StartedAt:     started,
		CompletedAt:   &completed,
		Status:        store.TaskCompleted,
		InputSummary:  "{}",
	}
}

// TaskFailed marks the row failed with the given error message.
func TaskFailed(msg string) TaskOption {
	return func(task *store.TaskRecord) {
		task.Status = store.TaskFailed
		task.ErrorMessage = &msg
	}
}

// TaskPending marks the row pending with no completion time.
func TaskPending() TaskOption {
	return func(task *store.TaskRecord) {
		task.Status = store.TaskPending
		task.CompletedAt = nil
	}
}

// TaskModule sets the destination module column.
func TaskModule(module string) TaskOption {
	return func(task *store.TaskRecord) {
		task.Module = module
	}
}

// TaskStartedAt pins the start instant, keeping the row's duration.
func TaskStartedAt(ts int64) TaskOption {
	return func(task *store.TaskRecord) {
		var duration int64
		if task.CompletedAt != nil {
			duration = *task.CompletedAt - task.StartedAt
		}
		task.StartedAt = ts
		if task.CompletedAt != nil {
			completed := ts + duration
			task.CompletedAt = &completed
		}
	}
}

// TaskDuration sets how long the task ran, in milliseconds.
func TaskDuration(millis int64) TaskOption {
	return func(task *store.TaskRecord) {
		completed := task.StartedAt + millis
		task.CompletedAt = &completed
	}
}

// TaskContract links the row to a contract id.
func TaskContract(id int64) TaskOption {
	return func(task *store.TaskRecord) {
		task.ContractID = &id
	}
}

// contractData pairs a contract with its payment stages for insertion.
type contractData struct {
	contract store.Contract
	stages   []store.PaymentStage
}

// ContractOption adjusts one contract (and its stages) before insertion.
type ContractOption func(*contractData)

func defaultContract(number, name string) contractData {
	return contractData{
		contract: store.Contract{
			ContractNumber: number,
			ContractName:   name,
			ClientName:     "Acme GmbH",
			Status:         "active",
		},
	}
}

// ContractStatus sets the status column.
func ContractStatus(status string) ContractOption {
	return func(c *contractData) {
		c.contract.Status = status
	}
}

// ContractClient sets the client name.
func ContractClient(client string) ContractOption {
	return func(c *contractData) {
		c.contract.ClientName = client
	}
}

// ContractAmount sets the total amount and currency.
func ContractAmount(amount float64, currency string) ContractOption {
	return func(c *contractData) {
		c.contract.TotalAmount = &amount
		c.contract.Currency = &currency
	}
}

// ContractDates sets the start and end date columns (ISO day strings).
func ContractDates(start, end string) ContractOption {
	return func(c *contractData) {
		c.contract.StartDate = &start
		c.contract.EndDate = &end
	}
}

// ContractStage appends one payment stage.
func ContractStage(number int, name string, amount float64, status string) ContractOption {
	return func(c *contractData) {
		c.stages = append(c.stages, store.PaymentStage{
			StageNumber: number,
			StageName:   name,
			Amount:      &amount,
			Status:      status,
		})
	}
}

// ActivityOption adjusts one activity_log row before insertion.
type ActivityOption func(*store.ActivityEntry)

func defaultActivity(action string) store.ActivityEntry {
	return store.ActivityEntry{
		Timestamp: time.Now().UnixMilli(),
		Action:    action,
		Severity:  store.SeverityInfo,
		Module:    "kernel",
	}
}

// ActivitySeverity sets the severity column.
func ActivitySeverity(severity string) ActivityOption {
	return func(e *store.ActivityEntry) {
		e.Severity = severity
	}
}

// ActivityModule sets the module column.
func ActivityModule(module string) ActivityOption {
	return func(e *store.ActivityEntry) {
		e.Module = module
	}
}

// ActivityEntity sets the entity type and id columns.
func ActivityEntity(entityType, entityID string) ActivityOption {
	return func(e *store.ActivityEntry) {
		e.EntityType = entityType
		e.EntityID = entityID
	}
}

// ActivityAt pins the timestamp.
func ActivityAt(ts int64) ActivityOption {
	return func(e *store.ActivityEntry) {
		e.Timestamp = ts
	}
}

// ActivityMessage sets the short message.
func ActivityMessage(msg string) ActivityOption {
	return func(e *store.ActivityEntry) {
		e.Message = msg
	}
}
