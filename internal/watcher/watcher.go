// Package watcher watches the embeddings directory with fsnotify and reports, debounced,
// which snapshot prefixes were rewritten on disk.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/pkg/utils"
	"go.uber.org/zap"
)

const defaultDebounce = time.Second

// Watcher watches one embeddings directory and invokes onChange once per burst of writes
// to a snapshot's files.
type Watcher struct {
	dir         string
	onChange    func(prefix string)
	accept      func(prefix string) bool
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for watcher events.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = utils.OrNop(l) }
}

// WithDebounce sets how long a prefix must stay quiet before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter limits callbacks to prefixes for which accept returns true. It is
// evaluated when the event arrives, so it may track a changing active prefix.
func WithFilter(accept func(prefix string) bool) Option {
	return func(w *Watcher) { w.accept = accept }
}

// NewWatcher creates a watcher for dir. onChange receives the prefix whose files changed.
func NewWatcher(dir string, onChange func(prefix string), opts ...Option) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		onChange:    onChange,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
// A missing directory is created.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.logger.Debug("watcher starting", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))
	go w.run(ctx, watcher)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Dir(filepath.Clean(ev.Name)) != w.dir {
		return
	}
	// snapshot files land by rename, which shows up as Create on the final name
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	prefix, ok := storage.PrefixOf(ev.Name)
	if !ok {
		return
	}
	if w.accept != nil && !w.accept(prefix) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name), zap.String("prefix", prefix))
	w.debounceChange(prefix)
}

func (w *Watcher) debounceChange(prefix string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[prefix]; ok {
		t.Stop()
	}
	w.debounceMap[prefix] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, prefix)
		w.mu.Unlock()
		w.logger.Info("snapshot files changed", zap.String("prefix", prefix))
		if w.onChange != nil {
			w.onChange(prefix)
		}
	})
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Stop stops the watcher, drops pending callbacks and releases resources. A stopped
// watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for prefix, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, prefix)
	}
	_ = w.watcher.Close()
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
