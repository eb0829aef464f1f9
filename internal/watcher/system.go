package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/queue"
)

// DefaultSystemDebounce is the quiet period a system collection watcher
// waits after the last observed change before submitting a reindex job —
// longer than the filesystem watcher's DebounceWindow because SQLite (and
// similar) system stores write WAL files frequently during normal
// operation, matching original_source/src/ragling/system_watcher.py's
// _DEFAULT_DEBOUNCE_SECONDS.
const DefaultSystemDebounce = 10 * time.Second

// SystemCollectionWatcher debounces change notifications for the
// configured system sources (mail store, calibre libraries, rss store)
// and submits one IndexJob per source once its debounce window elapses,
// grounded on system_watcher.py's SystemCollectionWatcher.
type SystemCollectionWatcher struct {
	queue    *queue.Queue
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]bool

	pathMap map[string]systemTarget
}

type systemTarget struct {
	collection  string
	indexerType queue.IndexerType
	path        string
}

// NewSystemCollectionWatcher builds a watcher over every enabled system
// collection path in cfg.
func NewSystemCollectionWatcher(cfg *config.Config, q *queue.Queue, logger *slog.Logger) *SystemCollectionWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &SystemCollectionWatcher{
		queue:    q,
		debounce: DefaultSystemDebounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]bool),
		pathMap:  make(map[string]systemTarget),
	}

	if cfg.IsCollectionEnabled("email") && cfg.MailStorePath != "" {
		resolved := resolveSystemPath(cfg.MailStorePath)
		w.pathMap[resolved] = systemTarget{collection: "email", indexerType: queue.IndexerEmail, path: resolved}
	}
	if cfg.IsCollectionEnabled("calibre") {
		for _, lib := range cfg.CalibreLibraries {
			resolved := resolveSystemPath(lib)
			w.pathMap[resolved] = systemTarget{collection: "calibre", indexerType: queue.IndexerCalibre, path: resolved}
		}
	}
	if cfg.IsCollectionEnabled("rss") && cfg.RSSStorePath != "" {
		resolved := resolveSystemPath(cfg.RSSStorePath)
		w.pathMap[resolved] = systemTarget{collection: "rss", indexerType: queue.IndexerRSS, path: resolved}
	}

	return w
}

func resolveSystemPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// WatchDirectories returns the existing directories a filesystem watcher
// should observe to notice changes under the configured system paths
// (the path itself if it's a directory, its parent otherwise).
func (w *SystemCollectionWatcher) WatchDirectories() []string {
	seen := make(map[string]bool)
	var dirs []string
	for resolved := range w.pathMap {
		dir := resolved
		if info, err := os.Stat(resolved); err != nil || !info.IsDir() {
			dir = filepath.Dir(resolved)
		}
		if !seen[dir] {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// NotifyChange resets the debounce timer for path, submitting a reindex
// job once the window elapses without another change. Paths outside the
// configured system targets are ignored.
func (w *SystemCollectionWatcher) NotifyChange(path string) {
	resolved := resolveSystemPath(path)
	if _, known := w.pathMap[resolved]; !known {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[resolved] = true
	if existing, ok := w.timers[resolved]; ok {
		existing.Stop()
	}
	w.timers[resolved] = time.AfterFunc(w.debounce, func() { w.flush(resolved) })
}

func (w *SystemCollectionWatcher) flush(resolved string) {
	w.mu.Lock()
	delete(w.timers, resolved)
	if !w.pending[resolved] {
		w.mu.Unlock()
		return
	}
	delete(w.pending, resolved)
	w.mu.Unlock()

	w.submit(resolved)
}

func (w *SystemCollectionWatcher) submit(resolved string) {
	target, ok := w.pathMap[resolved]
	if !ok {
		return
	}
	w.queue.Submit(queue.IndexJob{
		JobType:        queue.JobSystemCollection,
		Path:           target.path,
		CollectionName: target.collection,
		IndexerType:    target.indexerType,
	})
	w.logger.Info("submitted system collection reindex", "collection", target.collection)
}

// Stop cancels every pending timer and immediately flushes any change
// that was still debouncing.
func (w *SystemCollectionWatcher) Stop() {
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	pending := make([]string, 0, len(w.pending))
	for p := range w.pending {
		pending = append(pending, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for _, p := range pending {
		w.submit(p)
	}
}
