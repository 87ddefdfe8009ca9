package tracing

// Span names for the kernel's hot paths.
const (
	SpanKernelDispatch = "kernel.dispatch"
	SpanSupervisorSend = "supervisor.send"
	SpanWorkflowStep   = "workflow.step"
)

// Span attribute keys shared across the kernel.
const (
	AttrRequestID   = "request.id"
	AttrRequestType = "request.type"

	AttrEngineName = "engine.name"

	AttrTaskID = "task.id"

	AttrExecutionID = "execution.id"
	AttrStepID      = "step.id"

	AttrErrorCode    = "error.code"
	AttrErrorMessage = "error.message"
)
