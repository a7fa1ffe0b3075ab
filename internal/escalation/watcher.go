package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce absorbs the burst of events editors emit for one save.
const defaultDebounce = 500 * time.Millisecond

// PolicyWatcher reloads the policy file into a PolicyStore when it changes.
// An invalid file is logged and ignored; the last good policy stays active.
type PolicyWatcher struct {
	path     string
	base     *Policy
	store    *PolicyStore
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewPolicyWatcher watches path. The parent directory is watched rather than
// the file so atomic renames by editors and config management are seen.
func NewPolicyWatcher(path string, base *Policy, store *PolicyStore, logger *slog.Logger) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("escalation: create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("escalation: resolve policy path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("escalation: watch %s: %w", filepath.Dir(abs), err)
	}
	return &PolicyWatcher{
		path:     abs,
		base:     base,
		store:    store,
		logger:   logger,
		watcher:  w,
		debounce: defaultDebounce,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *PolicyWatcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("escalation: policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *PolicyWatcher) reload() {
	p, err := LoadPolicy(w.path, w.base)
	if err != nil {
		w.logger.Error("escalation: policy reload failed, keeping previous policy",
			"path", w.path, "error", err)
		return
	}
	p.Source = w.path
	w.store.Set(p)
	cur := w.store.Current()
	w.logger.Info("escalation: policy reloaded",
		"path", w.path, "version", cur.Version,
		"auto_send", cur.Thresholds.AutoSend, "review", cur.Thresholds.Review)
}
