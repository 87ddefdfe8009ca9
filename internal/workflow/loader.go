package workflow

import (
	"embed"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/store"
)

//go:embed definitions
var builtinFS embed.FS

// Library holds every loaded definition, keyed by id. Definitions are
// immutable after load; a reload builds a fresh Library.
type Library struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// LoadLibrary parses the embedded builtin set, then the user directory. A
// user definition replaces a builtin with the same id. Documents that fail
// to parse or validate are skipped with a warning; loading never fails
// outright.
func LoadLibrary(userDir string) *Library {
	lib := &Library{defs: map[string]*Definition{}}
	lib.loadBuiltins()
	lib.loadDir(userDir)
	log.Info(log.CatFlow, "workflow library loaded", "definitions", len(lib.defs), "userDir", userDir)
	return lib
}

func (l *Library) loadBuiltins() {
	entries, err := builtinFS.ReadDir("definitions")
	if err != nil {
		log.ErrorErr(log.CatFlow, "embedded definitions unreadable", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := builtinFS.ReadFile(path.Join("definitions", entry.Name()))
		if err != nil {
			log.ErrorErr(log.CatFlow, "embedded definition unreadable", err, "file", entry.Name())
			continue
		}
		l.add(raw, entry.Name(), true)
	}
}

func (l *Library) loadDir(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatFlow, "workflow directory unreadable", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn(log.CatFlow, "workflow definition unreadable", "file", entry.Name(), "error", err)
			continue
		}
		l.add(raw, entry.Name(), false)
	}
}

func (l *Library) add(raw []byte, source string, builtin bool) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		log.Warn(log.CatFlow, "skipping workflow definition", "source", source, "error", err)
		return
	}
	if err := Validate(&def); err != nil {
		log.Warn(log.CatFlow, "skipping workflow definition", "source", source, "error", err)
		return
	}
	def.Builtin = builtin

	l.mu.Lock()
	if prev, ok := l.defs[def.ID]; ok && prev.Builtin && !builtin {
		log.Info(log.CatFlow, "user definition overrides builtin", "id", def.ID, "source", source)
	}
	l.defs[def.ID] = &def
	l.mu.Unlock()
}

// Get returns the definition with the given id.
func (l *Library) Get(id string) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "workflow definition", Key: id}
	}
	return def, nil
}

// List returns every definition sorted by id.
func (l *Library) List() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.defs))
	for _, def := range l.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
