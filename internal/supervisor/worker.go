package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/protocol"
)

// Default deadlines for the worker wire protocol.
const (
	// DefaultReadyTimeout bounds the wait for the ready announcement.
	DefaultReadyTimeout = 10 * time.Second
	// DefaultSendTimeout bounds one request round-trip.
	DefaultSendTimeout = 30 * time.Second
	// DefaultShutdownGrace bounds the wait between the SHUTDOWN command and
	// a forced kill.
	DefaultShutdownGrace = 10 * time.Second
)

// shutdownMethod is the last command a worker receives before the grace
// period starts.
const shutdownMethod = "SHUTDOWN"

// EventHandler receives unsolicited worker stdout lines, meaning anything
// that is neither the ready announcement nor a correlated response.
type EventHandler func(engine string, raw json.RawMessage)

// ExitHandler is invoked once after the worker process exits and its
// in-flight waiters have been failed.
type ExitHandler func(w *Worker)

// Worker is one live worker subprocess plus the reader tasks multiplexing
// its stdio. Callers interact through SendAndReceive; the stdout reader
// completes waiters by correlation id. Stderr is drained as log text and
// never parsed as protocol.
type Worker struct {
	name string
	cmd  *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	ctx        context.Context
	cancelFunc context.CancelFunc

	onEvent EventHandler
	onExit  ExitHandler

	// writeMu serializes stdin writes so concurrent senders never
	// interleave partial lines.
	writeMu sync.Mutex

	mu           sync.Mutex
	status       Status
	pending      map[string]chan *protocol.WorkerResponse
	announcement *protocol.Ready
	shuttingDown bool
	exitErr      error

	readyCh chan struct{} // closed when the announcement lands
	exited  chan struct{} // closed when the process has exited
	wg      sync.WaitGroup
}

// start launches the three reader tasks. Called by SpawnBuilder.Build
// after the process has started.
func (w *Worker) start() {
	w.wg.Add(3)
	log.SafeGo("supervisor.stdout."+w.name, w.readLoop)
	log.SafeGo("supervisor.stderr."+w.name, w.stderrLoop)
	log.SafeGo("supervisor.wait."+w.name, w.waitForExit)
}

// Name returns the configured worker name.
func (w *Worker) Name() string {
	return w.name
}

// Status returns the current worker status. Thread-safe.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Announcement returns the ready announcement, or nil before it arrives.
func (w *Worker) Announcement() *protocol.Ready {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.announcement
}

// PID returns the OS process id, or -1 if the process never started.
func (w *Worker) PID() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return -1
	}
	return w.cmd.Process.Pid
}

// ExitErr returns the error recorded when the process exited, if any.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Exited returns a channel that is closed once the process has exited and
// its waiters have been failed.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// PendingRequests returns the number of in-flight correlation ids.
func (w *Worker) PendingRequests() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Kill force-terminates the subprocess via context cancellation.
func (w *Worker) Kill() {
	w.cancelFunc()
}

// WaitReady blocks until the ready announcement, the worker's exit, or the
// timeout. A missed deadline is fatal: the subprocess is killed and the
// handshake error is reported.
func (w *Worker) WaitReady(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.readyCh:
		return nil
	case <-w.exited:
		return fmt.Errorf("worker %s exited before ready (%v): %w", w.name, w.ExitErr(), ErrEngineUnavailable)
	case <-timer.C:
		w.Kill()
		return fmt.Errorf("worker %s missed ready deadline %s: %w", w.name, timeout, ErrReadyTimeout)
	}
}

// SendAndReceive writes one command line and blocks until the matching
// response arrives, the deadline passes, the caller's context is done, or
// the worker exits. A zero deadline falls back to DefaultSendTimeout. On
// timeout the pending entry is removed before the error is returned.
func (w *Worker) SendAndReceive(ctx context.Context, cmd protocol.WorkerCommand, deadline time.Duration) (*protocol.WorkerResponse, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if deadline <= 0 {
		deadline = DefaultSendTimeout
	}

	line, err := protocol.EncodeWorkerCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding worker command: %w", err)
	}

	ch := make(chan *protocol.WorkerResponse, 1)

	w.mu.Lock()
	if w.status != StatusReady || w.shuttingDown {
		status := w.status
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s is %s: %w", w.name, status, ErrEngineUnavailable)
	}
	if _, exists := w.pending[cmd.ID]; exists {
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s: correlation id %s already in flight", w.name, cmd.ID)
	}
	w.pending[cmd.ID] = ch
	w.mu.Unlock()

	if err := w.writeLine(line); err != nil {
		w.removePending(cmd.ID)
		return nil, fmt.Errorf("writing to worker %s: %w", w.name, err)
	}

	log.Debug(log.CatSup, "command sent", "worker", w.name, "id", cmd.ID,
		"method", cmd.Method, "params", protocol.Summarize(cmd.Params))

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("worker %s: %w", w.name, ErrWorkerExited)
		}
		return resp, nil
	case <-timer.C:
		w.removePending(cmd.ID)
		return nil, fmt.Errorf("worker %s: no response to %s within %s: %w", w.name, cmd.ID, deadline, ErrTimeout)
	case <-ctx.Done():
		w.removePending(cmd.ID)
		return nil, ctx.Err()
	}
}

// Shutdown sends the SHUTDOWN command, closes stdin, and waits up to grace
// before killing the process. It blocks until the reader tasks drain.
func (w *Worker) Shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	w.mu.Lock()
	if w.shuttingDown || w.status.IsTerminal() {
		w.mu.Unlock()
		w.wg.Wait()
		return nil
	}
	w.shuttingDown = true
	w.mu.Unlock()

	cmd := protocol.WorkerCommand{ID: uuid.NewString(), Method: shutdownMethod}
	if line, err := protocol.EncodeWorkerCommand(cmd); err == nil {
		if err := w.writeLine(line); err != nil {
			log.Debug(log.CatSup, "shutdown write failed", "worker", w.name, "error", err)
		}
	}

	// Closing stdin is the EOF fallback for workers that never learned the
	// SHUTDOWN method.
	w.writeMu.Lock()
	_ = w.stdin.Close()
	w.writeMu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-w.exited:
	case <-timer.C:
		log.Warn(log.CatSup, "worker ignored shutdown, killing", "worker", w.name, "grace", grace)
		w.Kill()
		<-w.exited
	}

	w.wg.Wait()
	return nil
}

// writeLine appends the newline and writes under the write lock.
func (w *Worker) writeLine(line []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err := w.stdin.Write(append(line, '\n'))
	return err
}

func (w *Worker) removePending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// readLoop parses worker stdout line by line. Responses complete pending
// waiters by correlation id; everything else is the ready announcement or
// an unsolicited event.
func (w *Worker) readLoop() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stdout)
	// Increase buffer size for large results (64KB initial, 1MB max).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		parsed, err := protocol.ParseWorkerLine(line)
		if err != nil {
			log.Warn(log.CatSup, "unparseable worker line", "worker", w.name,
				"line", protocol.Summarize(line))
			continue
		}

		switch {
		case parsed.Ready != nil:
			w.handleReady(parsed.Ready)
		case parsed.Response != nil:
			w.handleResponse(parsed.Response)
		default:
			w.handleEvent(parsed.Event)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatSup, "stdout scanner error", "worker", w.name, "error", err)
	}
}

func (w *Worker) handleReady(ready *protocol.Ready) {
	w.mu.Lock()
	first := w.announcement == nil
	if first {
		w.announcement = ready
		if w.status == StatusStarting {
			w.status = StatusReady
		}
	}
	w.mu.Unlock()

	if !first {
		log.Warn(log.CatSup, "duplicate ready announcement ignored", "worker", w.name)
		return
	}

	close(w.readyCh)
	log.Info(log.CatSup, "worker ready", "worker", w.name,
		"engine", ready.Engine, "version", ready.Version,
		"capabilities", strings.Join(ready.Capabilities, ","))
}

func (w *Worker) handleResponse(resp *protocol.WorkerResponse) {
	w.mu.Lock()
	ch, ok := w.pending[resp.ID]
	if ok {
		delete(w.pending, resp.ID)
	}
	w.mu.Unlock()

	if !ok {
		// The waiter timed out already, or the id was never ours.
		log.Debug(log.CatSup, "uncorrelated response discarded", "worker", w.name, "id", resp.ID)
		return
	}
	ch <- resp
}

func (w *Worker) handleEvent(raw json.RawMessage) {
	log.Debug(log.CatSup, "worker event", "worker", w.name, "payload", protocol.Summarize(raw))
	if w.onEvent != nil {
		w.onEvent(w.name, raw)
	}
}

// stderrLoop drains worker stderr as log text only.
func (w *Worker) stderrLoop() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		log.Debug(log.CatSup, "worker stderr", "worker", w.name, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatSup, "stderr scanner error", "worker", w.name, "error", err)
	}
}

// waitForExit waits for the process to exit, fails every in-flight waiter,
// and settles the terminal status before notifying the exit handler.
func (w *Worker) waitForExit() {
	defer w.wg.Done()

	err := w.cmd.Wait()

	w.mu.Lock()
	w.exitErr = err
	clean := w.shuttingDown
	if clean {
		w.status = StatusStopped
	} else {
		w.status = StatusFailed
	}
	pending := w.pending
	w.pending = make(map[string]chan *protocol.WorkerResponse)
	w.mu.Unlock()

	// Fail in-flight waiters now rather than leaving them to their
	// deadlines.
	for _, ch := range pending {
		close(ch)
	}

	close(w.exited)

	if clean {
		log.Info(log.CatSup, "worker stopped", "worker", w.name)
	} else {
		log.Warn(log.CatSup, "worker exited unexpectedly", "worker", w.name, "error", err)
	}

	if w.onExit != nil {
		w.onExit(w)
	}
}
