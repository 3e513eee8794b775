package interceptor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mtford90/procsi/internal/assert"
	"github.com/mtford90/procsi/internal/eventlog"
)

// FileExtension is the fixed suffix eligible rule files must carry.
const FileExtension = ".procsi.yaml"

// debounceWindow absorbs the burst of write events an editor produces
// for a single logical save.
const debounceWindow = 300 * time.Millisecond

// Loader scans a directory of rule files into an immutable snapshot,
// re-scanning on demand or when the directory changes.
type Loader struct {
	dir    string
	events *eventlog.Log

	mu    sync.RWMutex
	rules []Rule

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Loader over dir and performs an initial load.
func New(dir string, events *eventlog.Log) (*Loader, error) {
	if err := assert.Check(dir != "", "interceptors directory must not be empty"); err != nil {
		return nil, err
	}
	if err := assert.NotNil(events, "event log"); err != nil {
		return nil, err
	}

	l := &Loader{dir: dir, events: events, stopChan: make(chan struct{})}
	l.Reload()
	return l, nil
}

// Rules returns the current immutable snapshot. Callers may retain the
// slice across a request; a subsequent Reload publishes a new one
// rather than mutating this one in place.
func (l *Loader) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rules
}

// Reload rescans the directory and atomically publishes a new
// snapshot. Idempotent and safe to call concurrently with Rules().
func (l *Loader) Reload() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.events.Append(eventlog.TypeLoadError, "", "reading interceptors directory", err.Error())
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), FileExtension) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := map[string]bool{}
	var rules []Rule
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		loaded, err := loadFile(path)
		if err != nil {
			l.events.Append(eventlog.TypeLoadError, name, "loading interceptor file", err.Error())
			continue
		}
		for _, r := range loaded {
			if seen[r.Name] {
				l.events.Append(eventlog.TypeLoadError, r.Name, "duplicate interceptor name; entry kept, first match wins at selection", "")
			}
			seen[r.Name] = true
			rules = append(rules, r)
		}
		l.events.Append(eventlog.TypeLoaded, name, "interceptor file loaded", "")
	}

	l.mu.Lock()
	l.rules = rules
	l.mu.Unlock()

	l.events.Append(eventlog.TypeReload, "", "interceptors reloaded", "")
}

// loadFile parses one rule file, accepting either a single rule
// document or a YAML sequence of rules, and assigns each a SourceFile
// and a Name default of the file's base name (minus FileExtension).
func loadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	defaultName := strings.TrimSuffix(filepath.Base(path), FileExtension)

	var rules []Rule
	if root.Kind == yaml.SequenceNode {
		for _, item := range root.Content {
			var r Rule
			if err := item.Decode(&r); err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
	} else {
		var r Rule
		if err := root.Decode(&r); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	for i := range rules {
		if rules[i].Name == "" {
			rules[i].Name = defaultName
		}
		rules[i].SourceFile = path
		if err := rules[i].validate(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// Watch starts a background fsnotify watcher over the interceptors
// directory; any create/write/remove/rename triggers a debounced
// Reload. Close releases it.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, FileExtension) {
					continue
				}
				time.Sleep(debounceWindow)
				l.drainPendingEvents(w)
				l.Reload()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-l.stopChan:
				return
			}
		}
	}()
	return nil
}

// drainPendingEvents discards any further fsnotify events already
// queued during the debounce sleep so a burst of writes triggers one
// reload, not one per event.
func (l *Loader) drainPendingEvents(w *fsnotify.Watcher) {
	for {
		select {
		case <-w.Events:
		default:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify handle.
func (l *Loader) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
	l.wg.Wait()
	return nil
}
