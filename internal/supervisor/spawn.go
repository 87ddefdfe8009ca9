package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/protocol"
)

// CommandFactoryFunc creates the exec.Cmd for a worker invocation. Tests
// substitute fakes so no real interpreter is required.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder provides a fluent API for launching one worker subprocess
// with piped stdio and the reader tasks attached.
type SpawnBuilder struct {
	ctx            context.Context
	name           string
	execPath       string
	args           []string
	workDir        string
	env            []string
	onEvent        EventHandler
	onExit         ExitHandler
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder with the given context. The
// context bounds the process lifetime: cancelling it kills the worker.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{
		ctx:  ctx,
		name: "worker",
	}
}

// WithName sets the worker name used for logging and correlation.
func (b *SpawnBuilder) WithName(name string) *SpawnBuilder {
	b.name = name
	return b
}

// WithExecutable sets the executable path and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithEnv sets additional environment variables to append to os.Environ().
// Variables are in the format "KEY=VALUE".
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithEventHandler sets the callback for unsolicited worker events.
func (b *SpawnBuilder) WithEventHandler(fn EventHandler) *SpawnBuilder {
	b.onEvent = fn
	return b
}

// WithExitHandler sets the callback invoked after the process exits.
func (b *SpawnBuilder) WithExitHandler(fn ExitHandler) *SpawnBuilder {
	b.onExit = fn
	return b
}

// WithCommandFactory sets a custom command factory for testing.
// This allows unit tests to mock exec.Command without spawning real
// interpreters.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Build validates the configuration, creates the pipes, and starts the
// process and its reader tasks. Build does not wait for the ready
// announcement; call Worker.WaitReady afterwards.
//
// On error, all created resources are cleaned up.
func (b *SpawnBuilder) Build() (*Worker, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("spawn builder: executable path is required")
	}

	procCtx, cancel := context.WithCancel(b.ctx)

	var (
		cmd    *exec.Cmd
		stdin  io.WriteCloser
		stdout io.ReadCloser
		stderr io.ReadCloser
	)

	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- the invocation comes from the modules document, not request input
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...)
	}
	cmd.Dir = b.workDir

	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	var err error
	stdin, err = cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdin pipe: %w", err)
	}
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stderr pipe: %w", err)
	}

	w := &Worker{
		name:       b.name,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		ctx:        procCtx,
		cancelFunc: cancel,
		onEvent:    b.onEvent,
		onExit:     b.onExit,
		status:     StatusStarting,
		pending:    make(map[string]chan *protocol.WorkerResponse),
		readyCh:    make(chan struct{}),
		exited:     make(chan struct{}),
	}

	log.Debug(log.CatSup, "spawning worker", "worker", b.name,
		"execPath", b.execPath, "workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to start worker %s: %w", b.name, err)
	}

	log.Info(log.CatSup, "worker process started", "worker", b.name, "pid", cmd.Process.Pid)

	w.start()
	return w, nil
}
