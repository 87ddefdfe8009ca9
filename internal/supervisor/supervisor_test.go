package supervisor

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/state"
)

// shellFactory routes every spawn through /bin/sh -c <script>, ignoring
// the configured executable path.
func shellFactory(script string) CommandFactoryFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
}

func testWorkerConfig(name string) state.WorkerConfig {
	return state.WorkerConfig{
		Name:          name,
		Enabled:       true,
		Path:          "/fake/worker.bin",
		MaxConcurrent: 4,
	}
}

func newTestSupervisor(t *testing.T, cfg Config) Supervisor {
	t.Helper()
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New()
		t.Cleanup(cfg.Bus.Close)
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestSupervisor_StartAllAndSend(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{testWorkerConfig("python")},
		CommandFactory: shellFactory(echoWorkerScript),
	})

	require.NoError(t, s.StartAll(context.Background()))

	resp, err := s.Send(context.Background(), "python", "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.JSONEq(t, `{"echo":"ok"}`, string(resp.Result))

	statuses := s.EngineStatus()
	require.Len(t, statuses, 1)
	require.Equal(t, "python", statuses[0].Name)
	require.Equal(t, "ready", statuses[0].Status)
	require.Equal(t, "fake", statuses[0].Engine)
	require.Equal(t, "1.0", statuses[0].Version)
}

func TestSupervisor_DisabledWorkerIsSkipped(t *testing.T) {
	cfg := testWorkerConfig("python")
	cfg.Enabled = false

	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{cfg},
		CommandFactory: shellFactory(echoWorkerScript),
	})

	require.NoError(t, s.StartAll(context.Background()))

	statuses := s.EngineStatus()
	require.Len(t, statuses, 1)
	require.Equal(t, "pending", statuses[0].Status)

	_, err := s.Send(context.Background(), "python", "echo", nil)
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestSupervisor_SendToUnknownEngine(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	_, err := s.Send(context.Background(), "fortran", "echo", nil)
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestSupervisor_MissedHandshakeMarksWorkerFailed(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{testWorkerConfig("python")},
		CommandFactory: shellFactory(silentWorkerScript),
		ReadyTimeout:   200 * time.Millisecond,
	})

	// StartAll reports success even though the worker is unusable; the
	// failure is per-engine, not kernel-fatal.
	require.NoError(t, s.StartAll(context.Background()))

	statuses := s.EngineStatus()
	require.Equal(t, "failed", statuses[0].Status)
	require.NotEmpty(t, statuses[0].LastError)

	_, err := s.Send(context.Background(), "python", "echo", nil)
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestSupervisor_CrashedWorkerIsRestarted(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	ready := make(chan struct{}, 16)
	bus.Subscribe(eventbus.TopicEngineReady, func(evt eventbus.Event) {
		ready <- struct{}{}
	})

	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{testWorkerConfig("python")},
		Bus:            bus,
		Metrics:        metrics.New(),
		Flags:          flags.New(flags.Defaults()),
		CommandFactory: shellFactory(crashOnCommandScript),
	})

	require.NoError(t, s.StartAll(context.Background()))
	waitSignal(t, ready, "initial ready")

	// The first command crashes the worker; the restart policy should
	// bring a fresh instance up.
	_, err := s.Send(context.Background(), "python", "boom", nil)
	require.ErrorIs(t, err, ErrWorkerExited)

	waitSignal(t, ready, "restarted ready")
}

func TestSupervisor_DeadLetterAfterRestartBudget(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	ready := make(chan struct{}, 16)
	bus.Subscribe(eventbus.TopicEngineReady, func(evt eventbus.Event) {
		ready <- struct{}{}
	})
	dead := make(chan struct{}, 1)
	bus.Subscribe(eventbus.TopicEngineDeadLetter, func(evt eventbus.Event) {
		dead <- struct{}{}
	})

	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{testWorkerConfig("python")},
		Bus:            bus,
		Flags:          flags.New(flags.Defaults()),
		CommandFactory: shellFactory(crashOnCommandScript),
	})

	require.NoError(t, s.StartAll(context.Background()))
	waitSignal(t, ready, "initial ready")

	// Three restarts are allowed inside the window; the fourth crash
	// dead-letters the worker.
	for i := 0; i < maxRestarts; i++ {
		_, err := s.Send(context.Background(), "python", "boom", nil)
		require.ErrorIs(t, err, ErrWorkerExited)
		waitSignal(t, ready, "restarted ready")
	}

	_, err := s.Send(context.Background(), "python", "boom", nil)
	require.ErrorIs(t, err, ErrWorkerExited)

	select {
	case <-dead:
	case <-time.After(5 * time.Second):
		require.Fail(t, "expected dead-letter event")
	}

	require.Equal(t, "dead-lettered", s.EngineStatus()[0].Status)

	_, err = s.Send(context.Background(), "python", "echo", nil)
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestSupervisor_RestartDisabledByFlag(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	stopped := make(chan struct{}, 4)
	bus.Subscribe(eventbus.TopicEngineStopped, func(evt eventbus.Event) {
		stopped <- struct{}{}
	})

	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{testWorkerConfig("python")},
		Bus:            bus,
		Flags:          flags.New(map[string]bool{flags.FlagWorkerAutoRestart: false}),
		CommandFactory: shellFactory(crashOnCommandScript),
	})

	require.NoError(t, s.StartAll(context.Background()))

	_, err := s.Send(context.Background(), "python", "boom", nil)
	require.ErrorIs(t, err, ErrWorkerExited)

	waitSignal(t, stopped, "engine stopped event")
	require.Equal(t, "failed", s.EngineStatus()[0].Status)
}

func TestSupervisor_StopShutsWorkersDown(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	s := newTestSupervisor(t, Config{
		Workers:        []state.WorkerConfig{testWorkerConfig("python"), testWorkerConfig("native")},
		Bus:            bus,
		CommandFactory: shellFactory(echoWorkerScript),
	})

	require.NoError(t, s.StartAll(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	for _, st := range s.EngineStatus() {
		require.Equal(t, "stopped", st.Status)
	}
}

func TestWorkerInvocation(t *testing.T) {
	tests := []struct {
		name     string
		cfg      state.WorkerConfig
		wantPath string
		wantArgs []string
	}{
		{
			name:     "python script runs unbuffered under the interpreter",
			cfg:      state.WorkerConfig{Path: "/opt/ordo/worker.py"},
			wantPath: "python3",
			wantArgs: []string{"-u", "/opt/ordo/worker.py"},
		},
		{
			name:     "node script",
			cfg:      state.WorkerConfig{Path: "/opt/ordo/hub.js"},
			wantPath: "node",
			wantArgs: []string{"/opt/ordo/hub.js"},
		},
		{
			name:     "native binary runs directly",
			cfg:      state.WorkerConfig{Path: "/opt/ordo/native-worker"},
			wantPath: "/opt/ordo/native-worker",
			wantArgs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, args := workerInvocation(tt.cfg)
			require.Equal(t, tt.wantPath, path)
			require.Equal(t, tt.wantArgs, args)
		})
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		require.Fail(t, "timed out waiting for "+what)
	}
}
