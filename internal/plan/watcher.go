package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler receives each valid plan discovered by a Watcher.
type Handler func(path string, p *Plan)

// Watcher observes a directory for plan files and hands new or changed
// plans to a handler. Invalid plans are logged and skipped; editors that
// write a file in several bursts are absorbed by a short settle delay.
type Watcher struct {
	dir     string
	handler Handler
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer

	// settleDelay is how long a file must be quiet before it is loaded.
	settleDelay time.Duration
}

// NewWatcher creates a watcher over dir. The directory is created if it
// does not exist. Call Start to begin watching.
func NewWatcher(dir string, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("plan watcher requires a handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create plans directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:         dir,
		handler:     handler,
		logger:      logger,
		watcher:     fw,
		done:        make(chan struct{}),
		pending:     make(map[string]*time.Timer),
		settleDelay: 200 * time.Millisecond,
	}, nil
}

// Start begins watching. Existing plan files in the directory are loaded
// first so a pre-populated directory is picked up.
func (w *Watcher) Start() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read plans directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}
		w.load(filepath.Join(w.dir, entry.Name()))
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// run consumes filesystem events until Close.
func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isPlanFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plan watcher error", zap.Error(err))
		}
	}
}

// schedule arms (or re-arms) the settle timer for a path, so a burst of
// writes produces one load.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(w.settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.load(path)
	})
}

// load parses and validates a plan file, then hands it to the handler.
func (w *Watcher) load(path string) {
	p, err := Load(path)
	if err != nil {
		w.logger.Warn("skipping unreadable plan", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := p.Validate(); err != nil {
		w.logger.Warn("skipping invalid plan", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("plan discovered", zap.String("path", path), zap.Int("tasks", len(p.Tasks)))
	w.handler(path, p)
}

// Close stops watching and waits for the event loop to exit. Settle
// timers still pending are stopped.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return err
}

// isPlanFile reports whether a file name looks like a plan document.
func isPlanFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
