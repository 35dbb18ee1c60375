package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called after a watched file settles with new content.
type ChangeCallback func(name, path string)

// Watcher monitors individual files for changes. Each file is watched through
// its parent directory so editors that replace files via rename are seen.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // name → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *slog.Logger
}

type fileWatcher struct {
	name      string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu   sync.Mutex
	last fingerprint
}

// fingerprint identifies one version of a file's content.
type fingerprint struct {
	exists  bool
	size    int64
	modTime time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must be quiet before the callback runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a new file watcher.
func New(callback ChangeCallback, opts ...Option) *Watcher {
	w := &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: defaultDebounce,
		callback: callback,
		logger:   slog.Default().With("component", "watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts watching path under the given name. Watching a name twice
// replaces the previous watch.
func (w *Watcher) Watch(name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &fileWatcher{
		name:      name,
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		last:      stat(abs),
	}

	w.Unwatch(name)
	w.mu.Lock()
	w.watchers[name] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)
	return nil
}

// Unwatch stops watching the named file.
func (w *Watcher) Unwatch(name string) {
	w.mu.Lock()
	fw, ok := w.watchers[name]
	if ok {
		delete(w.watchers, name)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// Watching reports whether name is currently watched.
func (w *Watcher) Watching(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[name]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.check(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "name", fw.name, "path", fw.path, "error", err)
		}
	}
}

// check notifies the callback if the file changed since the last check.
func (w *Watcher) check(fw *fileWatcher) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	current := stat(fw.path)
	fw.mu.Lock()
	changed := current != fw.last
	fw.last = current
	fw.mu.Unlock()

	// A removed file has nothing to reload; wait for it to come back.
	if !changed || !current.exists {
		return
	}
	w.logger.Debug("file changed", "name", fw.name, "path", fw.path)
	if w.callback != nil {
		w.callback(fw.name, fw.path)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	names := make([]string, 0, len(w.watchers))
	for name := range w.watchers {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		w.Unwatch(name)
	}
}

func stat(path string) fingerprint {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}
	}
	return fingerprint{exists: true, size: info.Size(), modTime: info.ModTime()}
}
