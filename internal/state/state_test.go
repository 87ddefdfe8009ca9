package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/eventbus"
)

func newTestState(t *testing.T, bus *eventbus.Bus) *State {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "settings.json"), filepath.Join(dir, "modules.json"), bus)
}

func TestLoad_MaterializesDefaults(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, st.Load())

	_, err := os.Stat(st.settingsPath)
	require.NoError(t, err, "settings.json should be written on first load")
	_, err = os.Stat(st.modulesPath)
	require.NoError(t, err, "modules.json should be written on first load")

	require.Equal(t, "light", st.GetString("general.theme", ""))
	require.Equal(t, "pdf", st.GetString("export.defaultFormat", ""))
	require.Equal(t, 4, st.GetInt("engine.python.maxConcurrent", 0))
	require.False(t, st.GetBool("engine.python.enabled", true))
}

func TestLoad_ReadsExistingDocuments(t *testing.T) {
	st := newTestState(t, nil)

	require.NoError(t, os.WriteFile(st.settingsPath,
		[]byte(`{"general":{"theme":"dark","language":"fr"}}`), 0o600))
	require.NoError(t, os.WriteFile(st.modulesPath,
		[]byte(`{"python":{"enabled":true,"path":"/opt/pyworker","maxConcurrent":8}}`), 0o600))

	require.NoError(t, st.Load())

	require.Equal(t, "dark", st.GetString("general.theme", ""))
	require.Equal(t, "fr", st.GetString("general.language", ""))
	require.True(t, st.GetBool("engine.python.enabled", false))
	require.Equal(t, "/opt/pyworker", st.GetString("engine.python.path", ""))
	require.Equal(t, 8, st.GetInt("engine.python.maxConcurrent", 0))
}

func TestLoad_RejectsMalformedDocument(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, os.WriteFile(st.settingsPath, []byte(`{"general":`), 0o600))

	err := st.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "settings")
}

func TestTypedGetters_FallBackOnWrongType(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, st.Load())

	st.Set("general.theme", 42)
	require.Equal(t, "fallback", st.GetString("general.theme", "fallback"))

	st.Set("export.overwrite", "yes")
	require.True(t, st.GetBool("export.overwrite", true))

	require.Equal(t, 7, st.GetInt("no.such.key", 7))
}

func TestSet_PublishesRuntimeChange(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	changes := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.TopicConfigChanged, func(evt eventbus.Event) { changes <- evt })

	st := newTestState(t, bus)
	require.NoError(t, st.Load())

	st.Set("general.theme", "dark")
	require.Equal(t, "dark", st.GetString("general.theme", ""))

	select {
	case evt := <-changes:
		change := evt.Payload.(ChangeEvent)
		require.Equal(t, "runtime", change.Source)
		require.Equal(t, "general.theme", change.Key)
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for change event")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, st.Load())

	st.Set("general.theme", "dark")
	st.Set("engine.python.enabled", true)
	require.NoError(t, st.Save())

	// Keys split back into their owning documents.
	var settings map[string]any
	data, err := os.ReadFile(st.settingsPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &settings))
	require.Equal(t, "dark", settings["general"].(map[string]any)["theme"])
	require.NotContains(t, settings, "python")

	var modules map[string]any
	data, err = os.ReadFile(st.modulesPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &modules))
	require.Equal(t, true, modules["python"].(map[string]any)["enabled"])
	require.NotContains(t, modules, "general")

	// A fresh load sees the saved values.
	fresh := New(st.settingsPath, st.modulesPath, nil)
	require.NoError(t, fresh.Load())
	require.Equal(t, "dark", fresh.GetString("general.theme", ""))
	require.True(t, fresh.GetBool("engine.python.enabled", false))
}

func TestSave_BacksUpPreviousVersion(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, st.Load())

	st.Set("general.theme", "dark")
	require.NoError(t, st.Save())

	backup, err := os.ReadFile(st.settingsPath + ".bak")
	require.NoError(t, err, "save should back up the previous version")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(backup, &doc))
	require.Equal(t, "light", doc["general"].(map[string]any)["theme"],
		"backup holds the pre-save document")
}

func TestKeys_Sorted(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, st.Load())

	keys := st.Keys()
	require.NotEmpty(t, keys)
	require.IsIncreasing(t, keys)
	require.Contains(t, keys, "general.theme")
	require.Contains(t, keys, "engine.python.enabled")
}

func TestWorkers_TypedView(t *testing.T) {
	st := newTestState(t, nil)
	require.NoError(t, os.WriteFile(st.modulesPath, []byte(`{
		"python":  {"enabled": true, "path": "/opt/pyworker", "maxConcurrent": 2},
		"network": {"enabled": true, "path": "/opt/networker", "port": 9120},
		"native":  {"enabled": false, "path": ""}
	}`), 0o600))
	require.NoError(t, st.Load())

	workers := st.Workers()
	require.Len(t, workers, 3)

	require.Equal(t, "python", workers[0].Name)
	require.True(t, workers[0].Enabled)
	require.Equal(t, "/opt/pyworker", workers[0].Path)
	require.Equal(t, 2, workers[0].MaxConcurrent)

	require.Equal(t, "network", workers[1].Name)
	require.Equal(t, 9120, workers[1].Port)

	require.Equal(t, "native", workers[2].Name)
	require.False(t, workers[2].Enabled)
	require.Equal(t, 1, workers[2].MaxConcurrent, "absent maxConcurrent defaults to 1")
}
