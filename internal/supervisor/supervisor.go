// Package supervisor owns the lifetime and wire protocol of each worker
// subprocess. Workers speak line-delimited JSON on stdin/stdout; stderr is
// treated as log text and never parsed as protocol.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/state"
)

// Restart policy bounds: a ready worker that exits unexpectedly is
// re-spawned at most maxRestarts times within restartWindow, after which it
// is dead-lettered until the next kernel start.
const (
	maxRestarts   = 3
	restartWindow = time.Minute
)

// EngineStatus is the externally visible snapshot of one worker, served
// through GET_ENGINE_STATUS.
type EngineStatus struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	PID          int      `json:"pid,omitempty"`
	Engine       string   `json:"engine,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Restarts     int      `json:"restarts"`
	LastError    string   `json:"last_error,omitempty"`
}

// Supervisor manages the configured set of workers.
type Supervisor interface {
	// StartAll spawns every enabled worker and waits for the ready
	// announcements. A worker that fails to start is marked unavailable
	// and logged; StartAll never fails the kernel because one engine is
	// missing.
	StartAll(ctx context.Context) error

	// Send routes one command to the named worker and awaits the
	// correlated response.
	Send(ctx context.Context, engine, method string, params json.RawMessage) (*protocol.WorkerResponse, error)

	// EngineStatus snapshots every configured worker in stable name order.
	EngineStatus() []EngineStatus

	// Stop shuts every live worker down: SHUTDOWN command, grace period,
	// forced kill for survivors.
	Stop(ctx context.Context) error
}

// Config configures the Supervisor.
type Config struct {
	// Workers lists the configured workers from the modules document.
	Workers []state.WorkerConfig
	// Bus receives engine lifecycle topics and unsolicited worker events.
	Bus *eventbus.Bus
	// Metrics counts worker restarts. Optional.
	Metrics *metrics.Metrics
	// Flags gates the auto-restart policy. Optional; nil disables restarts.
	Flags *flags.Registry
	// CommandFactory substitutes exec.Cmd creation in tests.
	CommandFactory CommandFactoryFunc
	// ReadyTimeout bounds the ready handshake. Defaults to 10s.
	ReadyTimeout time.Duration
	// SendTimeout bounds each round-trip. Defaults to 30s.
	SendTimeout time.Duration
	// ShutdownGrace bounds Stop before the forced kill. Defaults to 10s.
	ShutdownGrace time.Duration
}

// managedWorker is the supervisor's bookkeeping for one configured worker.
// The live Worker is swapped out on restart; restart timestamps implement
// the rolling window.
type managedWorker struct {
	cfg state.WorkerConfig
	sem *semaphore.Weighted

	mu            sync.Mutex
	worker        *Worker
	status        Status
	restarts      []time.Time
	totalRestarts int
	lastErr       string
}

type defaultSupervisor struct {
	cfg     Config
	bus     *eventbus.Bus
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu      sync.RWMutex
	workers map[string]*managedWorker
}

// New creates a Supervisor for the given worker set.
func New(cfg Config) (Supervisor, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("supervisor: Bus is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	// Workers outlive the caller's context: their lifetime belongs to the
	// supervisor and ends only with Stop.
	ctx, cancel := context.WithCancel(context.Background())

	s := &defaultSupervisor{
		cfg:     cfg,
		bus:     cfg.Bus,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*managedWorker),
	}
	for _, wc := range cfg.Workers {
		maxConc := wc.MaxConcurrent
		if maxConc <= 0 {
			maxConc = 1
		}
		s.workers[wc.Name] = &managedWorker{
			cfg:    wc,
			sem:    semaphore.NewWeighted(int64(maxConc)),
			status: StatusPending,
		}
	}
	return s, nil
}

func (s *defaultSupervisor) StartAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	for _, name := range s.names() {
		g.Go(func() error {
			mw := s.lookup(name)
			if !mw.cfg.Enabled || mw.cfg.Path == "" {
				log.Debug(log.CatSup, "worker disabled", "worker", name)
				return nil
			}
			if err := s.spawn(mw); err != nil {
				log.ErrorErr(log.CatSup, "worker failed to start", err, "worker", name)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *defaultSupervisor) Send(ctx context.Context, engine, method string, params json.RawMessage) (*protocol.WorkerResponse, error) {
	mw := s.lookup(engine)
	if mw == nil {
		return nil, fmt.Errorf("engine %s is not configured: %w", engine, ErrEngineUnavailable)
	}

	mw.mu.Lock()
	w := mw.worker
	status := mw.status
	mw.mu.Unlock()

	if w == nil || status != StatusReady {
		return nil, fmt.Errorf("engine %s is %s: %w", engine, status, ErrEngineUnavailable)
	}

	// maxConcurrent from the modules document caps in-flight requests per
	// worker; excess callers queue here, not on the worker's stdin.
	if err := mw.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer mw.sem.Release(1)

	cmd := protocol.WorkerCommand{ID: uuid.NewString(), Method: method, Params: params}
	return w.SendAndReceive(ctx, cmd, s.cfg.SendTimeout)
}

func (s *defaultSupervisor) EngineStatus() []EngineStatus {
	out := make([]EngineStatus, 0, len(s.workers))
	for _, name := range s.names() {
		mw := s.lookup(name)

		mw.mu.Lock()
		st := EngineStatus{
			Name:      name,
			Status:    mw.status.String(),
			Restarts:  mw.totalRestarts,
			LastError: mw.lastErr,
		}
		if mw.worker != nil {
			st.PID = mw.worker.PID()
			if ann := mw.worker.Announcement(); ann != nil {
				st.Engine = ann.Engine
				st.Version = ann.Version
				st.Capabilities = ann.Capabilities
			}
		}
		mw.mu.Unlock()

		out = append(out, st)
	}
	return out
}

func (s *defaultSupervisor) Stop(ctx context.Context) error {
	s.stopped.Store(true)

	var wg sync.WaitGroup
	for _, name := range s.names() {
		mw := s.lookup(name)
		mw.mu.Lock()
		w := mw.worker
		mw.mu.Unlock()
		if w == nil {
			continue
		}
		wg.Add(1)
		log.SafeGo("supervisor.stop."+name, func() {
			defer wg.Done()
			_ = w.Shutdown(s.cfg.ShutdownGrace)
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Grace is up at the caller level: kill everything still alive.
		s.cancel()
		<-done
	}

	s.cancel()
	log.Info(log.CatSup, "supervisor stopped")
	return nil
}

// names returns the configured worker names in stable order.
func (s *defaultSupervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *defaultSupervisor) lookup(name string) *managedWorker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[name]
}

// spawn launches one worker and waits for its ready announcement. A missed
// handshake deadline is fatal for the worker: the subprocess is killed and
// the start error recorded.
func (s *defaultSupervisor) spawn(mw *managedWorker) error {
	name := mw.cfg.Name

	mw.mu.Lock()
	mw.status = StatusStarting
	mw.mu.Unlock()

	execPath, args := workerInvocation(mw.cfg)

	env := []string{fmt.Sprintf("ORDO_WORKER_NAME=%s", name)}
	if mw.cfg.Port != 0 {
		env = append(env, fmt.Sprintf("ORDO_WORKER_PORT=%d", mw.cfg.Port))
	}

	builder := NewSpawnBuilder(s.ctx).
		WithName(name).
		WithExecutable(execPath, args).
		WithEnv(env).
		WithEventHandler(s.forwardEvent).
		WithExitHandler(func(w *Worker) { s.onWorkerExit(name, w) })
	if s.cfg.CommandFactory != nil {
		builder = builder.WithCommandFactory(s.cfg.CommandFactory)
	}

	w, err := builder.Build()
	if err != nil {
		mw.mu.Lock()
		mw.status = StatusFailed
		mw.lastErr = err.Error()
		mw.mu.Unlock()
		return err
	}

	s.bus.Publish(eventbus.TopicEngineStarted, map[string]any{
		"engine": name,
		"pid":    w.PID(),
	})

	if err := w.WaitReady(s.cfg.ReadyTimeout); err != nil {
		mw.mu.Lock()
		mw.status = StatusFailed
		mw.lastErr = err.Error()
		mw.mu.Unlock()
		return err
	}

	mw.mu.Lock()
	mw.worker = w
	mw.status = StatusReady
	mw.lastErr = ""
	mw.mu.Unlock()

	if w.Status().IsTerminal() {
		// Announced ready, then exited before we finished wiring it up.
		s.onWorkerExit(name, w)
		return fmt.Errorf("worker %s exited immediately after ready: %w", name, ErrEngineUnavailable)
	}

	ann := w.Announcement()
	s.bus.Publish(eventbus.TopicEngineReady, map[string]any{
		"engine":       name,
		"version":      ann.Version,
		"capabilities": ann.Capabilities,
	})
	return nil
}

// onWorkerExit settles the managed entry after a process exit and applies
// the restart policy. Exactly one caller wins the ownership check, so a
// double notification for the same instance is harmless.
func (s *defaultSupervisor) onWorkerExit(name string, w *Worker) {
	mw := s.lookup(name)
	if mw == nil {
		return
	}

	mw.mu.Lock()
	owns := mw.worker == w
	if owns {
		mw.worker = nil
	}
	mw.mu.Unlock()

	if !owns {
		// Handshake failures and superseded instances are settled by spawn.
		return
	}

	clean := w.Status() == StatusStopped || s.stopped.Load()
	exitErr := w.ExitErr()

	payload := map[string]any{"engine": name, "clean": clean}
	if exitErr != nil {
		payload["error"] = exitErr.Error()
	}
	s.bus.Publish(eventbus.TopicEngineStopped, payload)

	if clean {
		mw.mu.Lock()
		mw.status = StatusStopped
		mw.mu.Unlock()
		return
	}

	mw.mu.Lock()
	mw.status = StatusFailed
	if exitErr != nil {
		mw.lastErr = exitErr.Error()
	} else {
		mw.lastErr = "exited unexpectedly"
	}

	restartAllowed := s.cfg.Flags != nil && s.cfg.Flags.Enabled(flags.FlagWorkerAutoRestart)
	if restartAllowed {
		now := time.Now()
		kept := mw.restarts[:0]
		for _, t := range mw.restarts {
			if now.Sub(t) < restartWindow {
				kept = append(kept, t)
			}
		}
		mw.restarts = kept

		if len(mw.restarts) < maxRestarts {
			mw.restarts = append(mw.restarts, now)
			mw.totalRestarts++
		} else {
			mw.status = StatusDeadLettered
			restartAllowed = false
		}
	}
	deadLettered := mw.status == StatusDeadLettered
	mw.mu.Unlock()

	if restartAllowed {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.WorkerRestarts.WithLabelValues(name).Inc()
		}
		log.Warn(log.CatSup, "restarting crashed worker", "worker", name, "error", exitErr)
		log.SafeGo("supervisor.restart."+name, func() {
			if err := s.spawn(mw); err != nil {
				log.ErrorErr(log.CatSup, "worker restart failed", err, "worker", name)
			}
		})
		return
	}

	if deadLettered {
		log.Error(log.CatSup, "worker dead-lettered after repeated crashes",
			"worker", name, "restarts", maxRestarts, "window", restartWindow)
		s.bus.Publish(eventbus.TopicEngineDeadLetter, map[string]any{
			"engine":   name,
			"restarts": maxRestarts,
		})
	}
}

// forwardEvent publishes unsolicited worker lines so triggers can react to
// them.
func (s *defaultSupervisor) forwardEvent(engine string, raw json.RawMessage) {
	s.bus.Publish(eventbus.TopicEngineEvent, map[string]any{
		"engine":  engine,
		"payload": raw,
	})
}

// workerInvocation builds the command line for one worker: script files
// run under their interpreter, unbuffered where the interpreter supports
// it; anything else is treated as an executable.
func workerInvocation(cfg state.WorkerConfig) (string, []string) {
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".py":
		return "python3", []string{"-u", cfg.Path}
	case ".js", ".mjs":
		return "node", []string{cfg.Path}
	default:
		return cfg.Path, nil
	}
}
