package kernel

import (
	"errors"

	"github.com/ordo-sh/ordo/internal/advisor"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/router"
	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/supervisor"
	"github.com/ordo-sh/ordo/internal/workflow"
)

// wireCodes is the closed set of error codes the front end understands.
var wireCodes = map[string]bool{
	protocol.CodeUnknownOperation:    true,
	protocol.CodeValidationFailed:    true,
	protocol.CodeQueueFull:           true,
	protocol.CodeSchedulerStopped:    true,
	protocol.CodeEngineUnavailable:   true,
	protocol.CodeEngineError:         true,
	protocol.CodeTimeout:             true,
	protocol.CodeWorkflowNotFound:    true,
	protocol.CodeApprovalAlreadyDone: true,
	protocol.CodeApprovalNotFound:    true,
	protocol.CodePolicyBlocked:       true,
	protocol.CodeNotImplemented:      true,
	protocol.CodeInternal:            true,
}

func knownCode(code string) bool {
	return wireCodes[code]
}

// errorResponse maps an internal error onto the wire taxonomy. Sentinels
// from the subsystems translate here, at the boundary, and nowhere else.
func (k *Kernel) errorResponse(id string, err error) protocol.Response {
	return protocol.ErrResponse(id, codeFor(err), err.Error())
}

func codeFor(err error) string {
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		switch nf.Entity {
		case "approval":
			return protocol.CodeApprovalNotFound
		case "workflow definition", "workflow execution":
			return protocol.CodeWorkflowNotFound
		default:
			return protocol.CodeValidationFailed
		}
	}
	switch {
	case errors.Is(err, store.ErrAlreadyResolved):
		return protocol.CodeApprovalAlreadyDone
	case errors.Is(err, workflow.ErrDecisionNotAllowed):
		return protocol.CodeValidationFailed
	case errors.Is(err, workflow.ErrEngineStopped):
		return protocol.CodeSchedulerStopped
	case errors.Is(err, advisor.ErrDraftBlocked):
		return protocol.CodePolicyBlocked
	case errors.Is(err, advisor.ErrAdvisorDisabled):
		return protocol.CodeNotImplemented
	case errors.Is(err, advisor.ErrBadDraftRequest):
		return protocol.CodeValidationFailed
	case errors.Is(err, supervisor.ErrEngineUnavailable):
		return protocol.CodeEngineUnavailable
	case errors.Is(err, supervisor.ErrTimeout):
		return protocol.CodeTimeout
	case errors.Is(err, router.ErrUnknownOperation):
		return protocol.CodeUnknownOperation
	default:
		return protocol.CodeInternal
	}
}
