package eventbus

// Topics published by kernel components. Workflow triggers may subscribe to
// any of these or to topics fired by workers as unsolicited events.
const (
	TopicConfigChanged = "state.config.changed"

	TopicEngineStarted    = "engine.started"
	TopicEngineReady      = "engine.ready"
	TopicEngineStopped    = "engine.stopped"
	TopicEngineDeadLetter = "engine.deadletter"
	TopicEngineEvent      = "engine.event"

	TopicTaskQueued    = "task.queued"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"

	TopicWorkflowStarted   = "workflow.started"
	TopicWorkflowCompleted = "workflow.completed"
	TopicWorkflowFailed    = "workflow.failed"
	TopicWorkflowPaused    = "workflow.paused"

	TopicApprovalRequested = "workflow.approval.requested"
	TopicApprovalResolved  = "workflow.approval.resolved"

	TopicSecurityViolation = "security.validation_failed"
)
