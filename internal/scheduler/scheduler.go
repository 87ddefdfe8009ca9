// Package scheduler runs the kernel's bounded FIFO task queue. One loop
// goroutine pops requests in enqueue order, opens an execution-history
// record, dispatches through the router's decision, and reports the outcome
// to the submitter's callback. There are no priorities; backpressure is a
// synchronous QUEUE_FULL rejection.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/router"
	"github.com/ordo-sh/ordo/internal/store"
)

// DefaultQueueCapacity bounds the queue when Config.Capacity is zero.
const DefaultQueueCapacity = 1000

// Dispatch executes one routed request and always returns a response
// carrying the request's correlation id.
type Dispatch func(ctx context.Context, route router.Route, req protocol.Request) protocol.Response

// Callback receives the response for a submitted request. Rejections
// (SCHEDULER_STOPPED, QUEUE_FULL, UNKNOWN_OPERATION) invoke it on the
// submitter's goroutine; accepted requests invoke it on the loop goroutine.
type Callback func(resp protocol.Response)

type item struct {
	route    router.Route
	req      protocol.Request
	callback Callback
}

// Config wires the scheduler's collaborators. Dispatch is required; the
// rest degrade to no-ops when nil.
type Config struct {
	Capacity int
	Dispatch Dispatch
	History  *store.HistoryService
	Bus      *eventbus.Bus
	Metrics  *metrics.Metrics
}

// Scheduler is the single-queue task executor.
type Scheduler struct {
	queue    chan item
	dispatch Dispatch
	history  *store.HistoryService
	bus      *eventbus.Bus
	metrics  *metrics.Metrics

	// baseCtx carries dispatches; loop cancellation must not cut an
	// in-flight round-trip short.
	baseCtx context.Context
	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stateMu sync.RWMutex
	running bool

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a stopped scheduler. Call Start before submitting.
func New(cfg Config) *Scheduler {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Scheduler{
		queue:    make(chan item, capacity),
		dispatch: cfg.Dispatch,
		history:  cfg.History,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
	}
}

// Start launches the loop goroutine. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.baseCtx = ctx
	s.loopCtx, s.cancel = context.WithCancel(ctx)

	s.stateMu.Lock()
	s.running = true
	s.stateMu.Unlock()

	s.wg.Add(1)
	log.SafeGo("scheduler.loop", func() {
		defer s.wg.Done()
		s.run()
	})
	log.Info(log.CatSched, "scheduler started", "capacity", cap(s.queue))
}

// Submit enqueues a request for FIFO processing. The callback fires exactly
// once: synchronously for rejections, from the loop goroutine otherwise.
func (s *Scheduler) Submit(req protocol.Request, callback Callback) {
	route, err := router.Resolve(req.Type)
	if err != nil {
		callback(protocol.ErrResponse(req.ID, protocol.CodeUnknownOperation,
			"operation "+req.Type+" is not in the whitelist"))
		return
	}

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if !s.running {
		callback(protocol.ErrResponse(req.ID, protocol.CodeSchedulerStopped,
			"scheduler is not accepting requests"))
		return
	}

	select {
	case s.queue <- item{route: route, req: req, callback: callback}:
		s.gaugeQueueDepth(1)
		s.publish(eventbus.TopicTaskQueued, map[string]any{
			"id":   req.ID,
			"type": req.Type,
		})
	default:
		log.Warn(log.CatSched, "task queue full", "id", req.ID, "type", req.Type)
		callback(protocol.ErrResponse(req.ID, protocol.CodeQueueFull,
			"task queue is at capacity"))
	}
}

// Stop flips the running flag, lets the in-flight round-trip finish, and
// drains still-queued requests with SCHEDULER_STOPPED.
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	wasRunning := s.running
	s.running = false
	s.stateMu.Unlock()

	if !wasRunning {
		return
	}

	s.cancel()
	s.wg.Wait()
	log.Info(log.CatSched, "scheduler stopped",
		"processed", s.processed.Load(), "failed", s.failed.Load())
}

// Running reports whether Submit currently accepts requests.
func (s *Scheduler) Running() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.running
}

// QueueLength returns the number of waiting requests.
func (s *Scheduler) QueueLength() int { return len(s.queue) }

// Processed returns the count of tasks that reached completed.
func (s *Scheduler) Processed() int64 { return s.processed.Load() }

// Failed returns the count of tasks that reached failed.
func (s *Scheduler) Failed() int64 { return s.failed.Load() }

func (s *Scheduler) run() {
	for {
		select {
		case <-s.loopCtx.Done():
			s.drain()
			return
		case it := <-s.queue:
			// Stop may have fired during the previous round-trip; a
			// dequeued item is still "queued at stop time" then.
			select {
			case <-s.loopCtx.Done():
				s.reject(it)
				s.drain()
				return
			default:
			}
			s.process(it)
		}
	}
}

// drain rejects everything still queued at stop time. Submit stops
// enqueueing before cancel fires, so this sees the final queue contents.
func (s *Scheduler) drain() {
	for {
		select {
		case it := <-s.queue:
			s.reject(it)
		default:
			return
		}
	}
}

func (s *Scheduler) reject(it item) {
	s.gaugeQueueDepth(-1)
	it.callback(protocol.ErrResponse(it.req.ID, protocol.CodeSchedulerStopped,
		"scheduler stopped before the task ran"))
}

func (s *Scheduler) process(it item) {
	s.gaugeQueueDepth(-1)

	module := string(it.route.Destination)
	var histID int64 = -1
	if s.history != nil {
		histID = s.history.Begin(s.baseCtx, it.req.Type, module,
			protocol.Summarize(it.req.Payload), nil)
		s.history.MarkRunning(s.baseCtx, histID)
	}
	s.publish(eventbus.TopicTaskStarted, map[string]any{
		"id":     it.req.ID,
		"type":   it.req.Type,
		"module": module,
	})

	resp := s.dispatch(s.baseCtx, it.route, it.req)

	if resp.Success {
		if s.history != nil {
			s.history.Complete(s.baseCtx, histID, resultDigest(resp.Result))
		}
		s.processed.Add(1)
		s.countTask("completed")
		s.publish(eventbus.TopicTaskCompleted, map[string]any{
			"id":   it.req.ID,
			"type": it.req.Type,
		})
	} else {
		msg := ""
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		if s.history != nil {
			s.history.Fail(s.baseCtx, histID, msg)
		}
		s.failed.Add(1)
		s.countTask("failed")
		s.publish(eventbus.TopicTaskFailed, map[string]any{
			"id":    it.req.ID,
			"type":  it.req.Type,
			"error": msg,
		})
	}

	it.callback(resp)
}

// resultDigest fingerprints a response result for the history row.
func resultDigest(result any) string {
	if result == nil {
		return ""
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return protocol.Digest(raw)
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Scheduler) gaugeQueueDepth(delta float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueDepth.Add(delta)
}

func (s *Scheduler) countTask(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.TasksProcessed.WithLabelValues(status).Inc()
}
