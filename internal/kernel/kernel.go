// Package kernel assembles the components into the running coordinator.
// The Kernel owns construction order, the dispatch path shared by the
// scheduler and the workflow engine, the kernel-local operation handlers,
// and the ordered teardown. The Server (server.go) speaks the front-end
// protocol on a line stream and feeds everything through Handle.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ordo-sh/ordo/internal/advisor"
	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/gateway"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/router"
	"github.com/ordo-sh/ordo/internal/scheduler"
	"github.com/ordo-sh/ordo/internal/state"
	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/supervisor"
	"github.com/ordo-sh/ordo/internal/tracing"
	"github.com/ordo-sh/ordo/internal/workflow"
)

// Config wires the kernel's collaborators. Store, Bus, Supervisor, and
// Library are required; the Kernel builds the gateway, scheduler, workflow
// engine, and advisor itself so their dispatch paths share one function.
type Config struct {
	Store      *store.Store
	Bus        *eventbus.Bus
	Supervisor supervisor.Supervisor
	Library    *workflow.Library

	// Policy is the loaded guardrail policy for the advisor subsystem.
	Policy advisor.Policy

	// Optional collaborators. A nil value degrades the concern to a no-op.
	State   *state.State
	Flags   *flags.Registry
	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// Version is reported by PING and GET_STATUS.
	Version string
	// QueueCapacity bounds the scheduler queue. Zero means the default.
	QueueCapacity int
	// DenyList overrides the gateway's system-directory deny list.
	DenyList []string
}

// Kernel is the top-level container.
type Kernel struct {
	store   *store.Store
	bus     *eventbus.Bus
	state   *state.State
	sup     supervisor.Supervisor
	gate    *gateway.Gateway
	sched   *scheduler.Scheduler
	engine  *workflow.Engine
	advisor *advisor.Advisor
	flags   *flags.Registry
	metrics *metrics.Metrics
	tracer  trace.Tracer

	version   string
	queueCap  int
	startedAt time.Time

	lifecycleTokens []eventbus.Token

	cancel   context.CancelFunc
	stopOnce sync.Once

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New composes a kernel. Call Start before serving requests.
func New(cfg Config) (*Kernel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("kernel: Store is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("kernel: Bus is required")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("kernel: Supervisor is required")
	}
	if cfg.Library == nil {
		return nil, fmt.Errorf("kernel: Library is required")
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = scheduler.DefaultQueueCapacity
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}

	k := &Kernel{
		store:      cfg.Store,
		bus:        cfg.Bus,
		state:      cfg.State,
		sup:        cfg.Supervisor,
		flags:      cfg.Flags,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		version:    cfg.Version,
		queueCap:   capacity,
		shutdownCh: make(chan struct{}),
	}

	var gopts []gateway.Option
	if len(cfg.DenyList) > 0 {
		gopts = append(gopts, gateway.WithDenyList(cfg.DenyList))
	}
	k.gate = gateway.New(cfg.Store.Activity, cfg.Bus, gopts...)

	k.sched = scheduler.New(scheduler.Config{
		Capacity: capacity,
		Dispatch: k.dispatch,
		History:  cfg.Store.History,
		Bus:      cfg.Bus,
		Metrics:  cfg.Metrics,
	})

	k.engine = workflow.New(workflow.Config{
		Library:  cfg.Library,
		Store:    cfg.Store,
		Dispatch: k.stepDispatch,
		Bus:      cfg.Bus,
		Metrics:  cfg.Metrics,
		Flags:    cfg.Flags,
	})

	k.advisor = advisor.New(advisor.Config{
		Store:   cfg.Store,
		Library: cfg.Library,
		Policy:  cfg.Policy,
		Flags:   cfg.Flags,
		Metrics: cfg.Metrics,
	})

	return k, nil
}

// Start brings the kernel up: spawn workers, re-enter unfinished workflow
// executions, open the scheduler loop. Workers come first so resumed steps
// reach live engines instead of burning retries on ENGINE_UNAVAILABLE.
// ctx bounds the kernel's lifetime and must stay valid until Stop.
func (k *Kernel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.startedAt = time.Now()

	k.watchEngineLifecycle()
	k.engine.Start(runCtx)

	if err := k.sup.StartAll(runCtx); err != nil {
		cancel()
		return fmt.Errorf("starting workers: %w", err)
	}

	if err := k.engine.ResumeInProgress(runCtx); err != nil {
		// The kernel stays up: unfinished executions remain persisted and
		// the next start retries them.
		log.ErrorErr(log.CatKernel, "resuming executions failed", err)
	}

	k.sched.Start(runCtx)

	log.Info(log.CatKernel, "kernel started",
		"version", k.version, "queue_capacity", k.queueCap)
	return nil
}

// Stop tears the kernel down in dependency order: no new tasks, drain
// workflow executions, stop workers, save configuration, close
// persistence, close the bus. Safe to call more than once.
func (k *Kernel) Stop(ctx context.Context) {
	k.stopOnce.Do(func() {
		log.Info(log.CatKernel, "kernel stopping")

		k.sched.Stop()
		k.engine.Stop()
		k.unwatchEngineLifecycle()

		if err := k.sup.Stop(ctx); err != nil {
			log.ErrorErr(log.CatKernel, "supervisor stop failed", err)
		}
		if k.state != nil {
			if err := k.state.Save(); err != nil {
				log.ErrorErr(log.CatKernel, "configuration save failed", err)
			}
		}
		if err := k.store.Close(); err != nil {
			log.ErrorErr(log.CatKernel, "store close failed", err)
		}
		k.bus.Close()

		if k.cancel != nil {
			k.cancel()
		}
		log.Info(log.CatKernel, "kernel stopped")
	})
}

// RequestShutdown asks the daemon loop to exit. The first call wins.
func (k *Kernel) RequestShutdown(reason string) {
	k.shutdownOnce.Do(func() {
		log.Info(log.CatKernel, "shutdown requested", "reason", reason)
		close(k.shutdownCh)
	})
}

// Done is closed once a shutdown has been requested, by the SHUTDOWN
// operation or by the transport closing.
func (k *Kernel) Done() <-chan struct{} {
	return k.shutdownCh
}

// Handle serves one request: gateway validation, routing, then either an
// inline local handler or the scheduler queue. reply fires exactly once,
// synchronously for local operations and rejections, from the scheduler
// loop for accepted worker tasks. rawSize is the serialized request length
// as read from the transport.
func (k *Kernel) Handle(ctx context.Context, req protocol.Request, rawSize int, reply scheduler.Callback) {
	ctx, span := k.tracer.Start(ctx, tracing.SpanKernelDispatch, trace.WithAttributes(
		attribute.String(tracing.AttrRequestID, req.ID),
		attribute.String(tracing.AttrRequestType, req.Type)))

	done := func(resp protocol.Response) {
		outcome := "ok"
		if resp.Error != nil {
			outcome = resp.Error.Code
			span.SetAttributes(
				attribute.String(tracing.AttrErrorCode, resp.Error.Code),
				attribute.String(tracing.AttrErrorMessage, resp.Error.Message))
		}
		span.End()
		if k.metrics != nil {
			k.metrics.RequestsServed.WithLabelValues(outcome).Inc()
		}
		reply(resp)
	}

	if err := k.gate.Validate(ctx, req, rawSize); err != nil {
		done(protocol.ErrResponse(req.ID, protocol.CodeValidationFailed, err.Error()))
		return
	}

	route, err := router.Resolve(req.Type)
	if err != nil {
		done(protocol.ErrResponse(req.ID, protocol.CodeUnknownOperation,
			"operation "+req.Type+" is not in the whitelist"))
		return
	}

	if route.Destination.IsLocal() {
		done(k.local(ctx, req))
		return
	}
	k.sched.Submit(req, done)
}

// dispatch executes one routed request. Local operations answer inline so
// workflow steps may name them; remote operations round-trip through the
// supervisor. Both the scheduler loop and workflow steps come through here.
func (k *Kernel) dispatch(ctx context.Context, route router.Route, req protocol.Request) protocol.Response {
	if route.Destination.IsLocal() {
		return k.local(ctx, req)
	}

	ctx, span := k.tracer.Start(ctx, tracing.SpanSupervisorSend, trace.WithAttributes(
		attribute.String(tracing.AttrEngineName, route.Destination.Worker()),
		attribute.String(tracing.AttrTaskID, req.ID)))
	defer span.End()

	wresp, err := k.sup.Send(ctx, route.Destination.Worker(), route.Method, req.Payload)
	if err != nil {
		resp := k.errorResponse(req.ID, err)
		span.SetAttributes(attribute.String(tracing.AttrErrorCode, resp.Error.Code))
		return resp
	}
	if !wresp.Success {
		// Worker-supplied codes pass through only when they belong to the
		// taxonomy; anything else collapses to ENGINE_ERROR.
		code, msg := protocol.CodeEngineError, "worker reported an error"
		if wresp.Error != nil {
			if wresp.Error.Message != "" {
				msg = wresp.Error.Message
			}
			if knownCode(wresp.Error.Code) {
				code = wresp.Error.Code
			}
		}
		span.SetAttributes(attribute.String(tracing.AttrErrorCode, code))
		return protocol.ErrResponse(req.ID, code, msg)
	}
	return protocol.OKResponse(req.ID, wresp.Result)
}

// stepDispatch is the workflow engine's dispatch: the shared path plus a
// per-step span. Step request ids are execution:step pairs.
func (k *Kernel) stepDispatch(ctx context.Context, route router.Route, req protocol.Request) protocol.Response {
	executionID, stepID, _ := strings.Cut(req.ID, ":")
	ctx, span := k.tracer.Start(ctx, tracing.SpanWorkflowStep, trace.WithAttributes(
		attribute.String(tracing.AttrExecutionID, executionID),
		attribute.String(tracing.AttrStepID, stepID),
		attribute.String(tracing.AttrRequestType, req.Type)))
	defer span.End()
	return k.dispatch(ctx, route, req)
}
