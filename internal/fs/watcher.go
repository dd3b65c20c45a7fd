package fs

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hyper-ai-inc/buildsession/internal/events"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher wraps fsnotify for one project workspace. Changes are batched and
// published as a single files_changed event after a quiet period.
type Watcher struct {
	projectID string
	ws        *Workspace
	fsw       *fsnotify.Watcher
	pub       events.Publisher
	debounce  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stop    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for a workspace. Call Start to begin.
func NewWatcher(projectID string, ws *Workspace, pub events.Publisher, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		projectID: projectID,
		ws:        ws,
		fsw:       fsw,
		pub:       pub,
		debounce:  debounce,
		logger:    logger.With("component", "watcher", "project_id", projectID),
		pending:   make(map[string]struct{}),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Start watches the workspace root and every non-hidden subdirectory.
func (w *Watcher) Start() error {
	err := w.ws.WalkDirs("/", func(abs string) error {
		if err := w.fsw.Add(abs); err != nil {
			w.logger.Warn("watch failed", "path", abs, "error", err)
		}
		return nil
	})
	if err != nil {
		w.fsw.Close()
		return err
	}
	go w.loop()
	return nil
}

// Stop shuts down the watcher. Pending changes are discarded.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	w.fsw.Close()
	<-w.stopped

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = nil
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.ws.Root(), ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return
		}
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("watch failed", "path", ev.Name, "error", err)
			}
		}
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	w.pending["/"+filepath.ToSlash(rel)] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.pub.Publish(w.projectID, events.FilesChanged(w.projectID, paths))
}

// Watchers runs one Watcher per running project.
type Watchers struct {
	browser  *Browser
	pub      events.Publisher
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

func NewWatchers(browser *Browser, pub events.Publisher, debounce time.Duration, logger *slog.Logger) *Watchers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchers{
		browser:  browser,
		pub:      pub,
		debounce: debounce,
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Start begins watching a project's workspace. Already-watched projects
// are left alone.
func (m *Watchers) Start(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[projectID]; ok {
		return
	}
	ws, err := m.browser.Workspace(projectID)
	if err != nil || !ws.Exists() {
		return
	}
	w, err := NewWatcher(projectID, ws, m.pub, m.debounce, m.logger)
	if err != nil {
		m.logger.Warn("create watcher failed", "project_id", projectID, "error", err)
		return
	}
	if err := w.Start(); err != nil {
		m.logger.Warn("start watcher failed", "project_id", projectID, "error", err)
		return
	}
	m.watchers[projectID] = w
}

// Stop stops a project's watcher if one runs.
func (m *Watchers) Stop(projectID string) {
	m.mu.Lock()
	w, ok := m.watchers[projectID]
	delete(m.watchers, projectID)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Close stops every watcher.
func (m *Watchers) Close() {
	m.mu.Lock()
	all := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range all {
		w.Stop()
	}
}
