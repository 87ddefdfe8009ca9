package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/eventbus"
)

// startTestWatcher loads st, then starts a watcher with a short debounce.
func startTestWatcher(t *testing.T, st *State) *Watcher {
	t.Helper()
	require.NoError(t, st.Load())

	w, err := NewWatcher(st)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func fileChanges(t *testing.T, bus *eventbus.Bus) chan ChangeEvent {
	t.Helper()
	changes := make(chan ChangeEvent, 4)
	bus.Subscribe(eventbus.TopicConfigChanged, func(evt eventbus.Event) {
		change := evt.Payload.(ChangeEvent)
		if change.Source == "file" {
			changes <- change
		}
	})
	return changes
}

func TestWatcher_ReloadsExternalEdit(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	changes := fileChanges(t, bus)

	st := newTestState(t, bus)
	startTestWatcher(t, st)

	require.NoError(t, os.WriteFile(st.settingsPath,
		[]byte(`{"general":{"theme":"midnight"}}`), 0o600))

	select {
	case change := <-changes:
		require.Equal(t, "settings", change.Key)
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for reload")
	}
	require.Equal(t, "midnight", st.GetString("general.theme", ""))
}

func TestWatcher_CoalescesWriteBursts(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	changes := fileChanges(t, bus)

	st := newTestState(t, bus)
	startTestWatcher(t, st)

	// An editor save burst lands as several writes in quick succession.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(st.settingsPath,
			[]byte(`{"general":{"theme":"midnight"}}`), 0o600))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for reload")
	}

	select {
	case <-changes:
		require.Fail(t, "burst should coalesce into one reload")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_SuppressesOwnSave(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	changes := fileChanges(t, bus)

	st := newTestState(t, bus)
	startTestWatcher(t, st)

	st.Set("general.theme", "dark")
	require.NoError(t, st.Save())

	select {
	case <-changes:
		require.Fail(t, "the kernel's own save must not trigger a reload")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	changes := fileChanges(t, bus)

	st := newTestState(t, bus)
	startTestWatcher(t, st)

	other := filepath.Join(filepath.Dir(st.settingsPath), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("unrelated"), 0o600))

	select {
	case <-changes:
		require.Fail(t, "unrelated files must not trigger a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
