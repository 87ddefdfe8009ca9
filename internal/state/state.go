// Package state owns the kernel's two configuration documents: the
// user-settings document (general, export, vat) and the modules document
// (one section per worker). Both are JSON files under the ordo home
// directory, loaded once at start, mutated in memory through a flat dotted
// key map, and written back on save with a .bak copy of the previous
// version. Module keys flatten under the "engine." prefix, so
// "engine.python.enabled" addresses modules.json and "general.theme"
// addresses settings.json.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/log"
)

// modulesPrefix marks flat keys belonging to the modules document.
const modulesPrefix = "engine."

// ChangeEvent is the payload published on eventbus.TopicConfigChanged.
type ChangeEvent struct {
	Source string // "runtime" for Set, "file" for external edits
	Key    string // dotted key for runtime changes, document name for file changes
}

// State is the configuration service.
type State struct {
	mu           sync.RWMutex
	settingsPath string
	modulesPath  string
	flat         map[string]any
	bus          *eventbus.Bus

	// save/watch coordination: our own writes must not bounce back as
	// file-change events.
	suppressUntil time.Time
}

// New creates a State bound to the two document paths. Call Load before use.
func New(settingsPath, modulesPath string, bus *eventbus.Bus) *State {
	return &State{
		settingsPath: settingsPath,
		modulesPath:  modulesPath,
		flat:         make(map[string]any),
		bus:          bus,
	}
}

// Load reads both documents, materializing missing files from defaults,
// and builds the flat key map.
func (s *State) Load() error {
	settings, err := loadOrCreate(s.settingsPath, DefaultSettings())
	if err != nil {
		return fmt.Errorf("loading settings document: %w", err)
	}
	modules, err := loadOrCreate(s.modulesPath, DefaultModules())
	if err != nil {
		return fmt.Errorf("loading modules document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flat = make(map[string]any)
	flatten("", settings, s.flat)
	flatten(modulesPrefix[:len(modulesPrefix)-1], modules, s.flat)

	log.Info(log.CatState, "configuration loaded",
		"settings", s.settingsPath, "modules", s.modulesPath, "keys", len(s.flat))
	return nil
}

// Get returns the value at a dotted key, or def when absent.
func (s *State) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.flat[key]; ok {
		return v
	}
	return def
}

// GetString returns a string value, or def when absent or non-string.
func (s *State) GetString(key, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}
	return def
}

// GetBool returns a bool value, or def when absent or non-bool.
func (s *State) GetBool(key string, def bool) bool {
	if v, ok := s.Get(key, def).(bool); ok {
		return v
	}
	return def
}

// GetInt returns an int value. JSON numbers decode as float64; both are
// accepted.
func (s *State) GetInt(key string, def int) int {
	switch v := s.Get(key, def).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// Set writes a runtime value and publishes the change. The value is not
// persisted until Save.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	s.flat[key] = value
	s.mu.Unlock()

	log.Debug(log.CatState, "config set", "key", key)
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicConfigChanged, ChangeEvent{Source: "runtime", Key: key})
	}
}

// Keys returns every flat key in sorted order.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.flat))
	for k := range s.flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save re-emits both documents from the flat map, writing a .bak copy of
// each previous version first. Writes are atomic (temp file + rename).
func (s *State) Save() error {
	s.mu.Lock()
	settings := make(map[string]any)
	modules := make(map[string]any)
	for k, v := range s.flat {
		if strings.HasPrefix(k, modulesPrefix) {
			assign(modules, strings.TrimPrefix(k, modulesPrefix), v)
		} else {
			assign(settings, k, v)
		}
	}
	s.suppressUntil = time.Now().Add(2 * time.Second)
	s.mu.Unlock()

	if err := writeDocument(s.settingsPath, settings); err != nil {
		return fmt.Errorf("saving settings document: %w", err)
	}
	if err := writeDocument(s.modulesPath, modules); err != nil {
		return fmt.Errorf("saving modules document: %w", err)
	}
	log.Info(log.CatState, "configuration saved")
	return nil
}

// selfWrite reports whether a file event arrived inside the window opened
// by our own Save.
func (s *State) selfWrite() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().Before(s.suppressUntil)
}

// reloadDocument re-reads one document after an external edit and merges
// its keys into the flat map.
func (s *State) reloadDocument(path string) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}

	prefix := ""
	name := "settings"
	if path == s.modulesPath {
		prefix = modulesPrefix[:len(modulesPrefix)-1]
		name = "modules"
	}

	s.mu.Lock()
	// Drop stale keys for this document, then re-flatten.
	for k := range s.flat {
		if (prefix == "" && !strings.HasPrefix(k, modulesPrefix)) ||
			(prefix != "" && strings.HasPrefix(k, modulesPrefix)) {
			delete(s.flat, k)
		}
	}
	flatten(prefix, doc, s.flat)
	s.mu.Unlock()

	log.Info(log.CatState, "configuration reloaded from disk", "document", name)
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicConfigChanged, ChangeEvent{Source: "file", Key: name})
	}
	return nil
}

func loadOrCreate(path string, defaults map[string]any) (map[string]any, error) {
	doc, err := readDocument(path)
	if err == nil {
		return doc, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	log.Info(log.CatState, "materializing default document", "path", path)
	if err := writeDocument(path, defaults); err != nil {
		return nil, err
	}
	return defaults, nil
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: kernel's own config documents
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// writeDocument writes JSON atomically, backing up any previous version.
func writeDocument(path string, doc map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	if prev, err := os.ReadFile(path); err == nil { //nolint:gosec // G304: kernel's own config documents
		if err := os.WriteFile(path+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// flatten walks a nested document depth-first, writing dotted keys. Arrays
// and scalars are leaf values.
func flatten(prefix string, doc map[string]any, out map[string]any) {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// assign writes a dotted key into a nested document, creating intermediate
// objects.
func assign(doc map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
