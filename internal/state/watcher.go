package state

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ordo-sh/ordo/internal/log"
)

// defaultDebounce coalesces editor write bursts into one reload.
const defaultDebounce = 1 * time.Second

// Watcher monitors the configuration documents for external edits and
// reloads them. Writes performed by Save are suppressed.
type Watcher struct {
	state     *State
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	done      chan struct{}
}

// NewWatcher creates a watcher over the directory holding the state's
// documents.
func NewWatcher(st *State) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		state:     st,
		fsWatcher: fsw,
		debounce:  defaultDebounce,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The watcher owns one goroutine until Stop.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.state.settingsPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	log.SafeGo("state.watcher", w.loop)
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing. Pending paths are
// collected until the timer fires, then each is reloaded once.
func (w *Watcher) loop() {
	var timer *time.Timer
	pending := make(map[string]struct{})

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevant(event) {
				continue
			}
			pending[filepath.Clean(event.Name)] = struct{}{}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC(timer):
			if w.state.selfWrite() {
				pending = make(map[string]struct{})
				continue
			}
			for path := range pending {
				if err := w.state.reloadDocument(path); err != nil {
					log.ErrorErr(log.CatState, "config reload failed", err, "path", path)
				}
			}
			pending = make(map[string]struct{})

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevant accepts writes and creates on the two documents only; renames
// of temp files during atomic saves show up as creates.
func (w *Watcher) isRelevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(w.state.settingsPath) || name == filepath.Clean(w.state.modulesPath)
}

// timerC returns the timer's channel, or a nil channel (blocking forever)
// when no timer is armed.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
