package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aihaysteve/ragrun/internal/leader"
	"github.com/aihaysteve/ragrun/internal/mcptools"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/watcher"
)

// retryInterval is how often a non-leader process re-attempts promotion
// (spec.md §4.8 "a periodic retry thread that re-attempts acquisition on
// a short interval").
const retryInterval = 2 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP tool server",
		Long: `Start the stdio MCP tool server: rag_search, rag_index, rag_convert,
rag_collections, rag_doc_store_info, and rag_collection_info.

Only the leader process for this group's index store runs the indexing
queue and watchers; a non-leader process still serves read-only search
against the same store and waits in the background to be promoted if the
leader exits (spec.md §4.8).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

// runServe wires every collaborator spec.md §2's leader process needs —
// the index store, doc cache, embed client, search engine, indexing
// queue, leader lock, filesystem/system watchers, and the tool server —
// then runs the tool server's stdio loop and the watcher layer as two
// independent tasks on one errgroup, mirroring spec.md §9's "_run_both
// races two server transports... modeled as two independent tasks on a
// scoped task set; cancellation of one cancels the other."
func runServe(ctx context.Context) error {
	logger := slog.Default()

	a, err := newApp(logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer a.Close()

	q := newQueue(a)

	lockPath := leader.LockPathForConfig(a.config)
	lock := leader.New(lockPath)
	isLeader, err := lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("serve: acquire leader lock: %w", err)
	}
	defer func() { _ = lock.Close() }()

	var watchers []*watcher.HybridWatcher
	var sysWatcher *watcher.SystemCollectionWatcher

	startLeaderDuties := func() {
		q.Start(ctx)
		logger.Info("promoted to leader", "lock_path", lockPath)
		go leader.RunStartupSync(a.config, q, logger)

		sysWatcher = watcher.NewSystemCollectionWatcher(a.config, q, logger)
		watchers = startWatchers(ctx, a, q, sysWatcher, logger)
	}

	if isLeader {
		startLeaderDuties()
	} else {
		logger.Info("not leader, serving read-only; watching for promotion", "lock_path", lockPath)
		lock.StartRetry(retryInterval, startLeaderDuties)
	}

	server := mcptools.New(a.engine, a.store, a.cache, q, a.embed, a.config, logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		lock.StopRetry()
		for _, w := range watchers {
			_ = w.Stop()
		}
		if sysWatcher != nil {
			sysWatcher.Stop()
		}
		if isLeader || lock.IsLeader() {
			q.Shutdown(true)
		}
		return nil
	})

	return group.Wait()
}

// watchRoots enumerates every directory spec.md §4.7's filesystem watcher
// observes: the home root, global paths, configured Obsidian vaults, and
// code-group repos.
func watchRoots(a *app) []string {
	cfg := a.config
	var out []string
	if cfg.Home != "" {
		if info, err := os.Stat(cfg.Home); err == nil && info.IsDir() {
			out = append(out, cfg.Home)
		}
	}
	for _, gp := range cfg.GlobalPaths {
		if info, err := os.Stat(gp); err == nil && info.IsDir() {
			out = append(out, gp)
		}
	}
	for _, v := range cfg.ObsidianVaults {
		if info, err := os.Stat(v); err == nil && info.IsDir() {
			out = append(out, v)
		}
	}
	for _, repos := range cfg.CodeGroups {
		for _, r := range repos {
			if info, err := os.Stat(r); err == nil && info.IsDir() {
				out = append(out, r)
			}
		}
	}
	return out
}

// startWatchers launches one HybridWatcher per root returned by
// watchRoots plus one per directory the system-DB watcher needs observed
// (spec.md §4.7's "System-DB watcher... watch the containing directory"),
// forwarding every event to the system watcher's debounced NotifyChange,
// leader.SubmitGitBranchChange (for git branch changes), or
// leader.SubmitFileChange.
func startWatchers(ctx context.Context, a *app, q *queue.Queue, sysWatcher *watcher.SystemCollectionWatcher, logger *slog.Logger) []*watcher.HybridWatcher {
	systemDirs := map[string]bool{}
	if sysWatcher != nil {
		for _, d := range sysWatcher.WatchDirectories() {
			systemDirs[d] = true
		}
	}

	roots := watchRoots(a)
	for d := range systemDirs {
		already := false
		for _, r := range roots {
			if r == d {
				already = true
				break
			}
		}
		if !already {
			roots = append(roots, d)
		}
	}

	var started []*watcher.HybridWatcher
	for _, root := range roots {
		w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
		if err != nil {
			logger.Warn("failed to build watcher", "root", root, "error", err)
			continue
		}
		if err := w.Start(ctx, root); err != nil {
			logger.Warn("failed to start watcher", "root", root, "error", err)
			continue
		}
		started = append(started, w)

		isSystemRoot := systemDirs[root]
		go forwardWatcherEvents(ctx, w, root, a, q, sysWatcher, isSystemRoot, logger)
	}
	return started
}

func forwardWatcherEvents(ctx context.Context, w *watcher.HybridWatcher, root string, a *app, q *queue.Queue, sysWatcher *watcher.SystemCollectionWatcher, isSystemRoot bool, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				abs := filepath.Join(root, ev.Path)
				if isSystemRoot && sysWatcher != nil {
					sysWatcher.NotifyChange(abs)
					continue
				}
				if ev.Operation == watcher.OpGitBranchChange {
					leader.SubmitGitBranchChange(abs, a.config, q)
					logger.Debug("submitted git branch change", "path", abs)
					continue
				}
				leader.SubmitFileChange(abs, a.config, q)
				logger.Debug("submitted file change", "path", abs, "op", ev.Operation.String())
			}
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Warn("watcher error", "root", root, "error", err)
		}
	}
}
