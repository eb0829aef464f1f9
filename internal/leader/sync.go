package leader

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/queue"
)

// resolvePath determines which collection file belongs to, and the
// containing directory that collection indexes, matching
// original_source/src/ragling/sync.py's _resolve_path: user home
// directories first, then global paths, then configured Obsidian
// vaults, then code groups.
func resolvePath(filePath string, cfg *config.Config) (collection string, containingDir string) {
	resolved := resolveAbs(filePath)

	if cfg.Home != "" {
		home := resolveAbs(cfg.Home)
		if rel, ok := relativeTo(resolved, home); ok {
			parts := strings.SplitN(rel, string(filepath.Separator), 2)
			if len(parts) > 0 {
				username := parts[0]
				if _, known := cfg.Users[username]; known {
					return username, filepath.Join(home, username)
				}
			}
		}
	}

	for _, gp := range cfg.GlobalPaths {
		global := resolveAbs(gp)
		if _, ok := relativeTo(resolved, global); ok {
			return "global", global
		}
	}

	for _, v := range cfg.ObsidianVaults {
		vault := resolveAbs(v)
		if _, ok := relativeTo(resolved, vault); ok {
			return "obsidian", vault
		}
	}

	for group, repos := range cfg.CodeGroups {
		for _, r := range repos {
			repo := resolveAbs(r)
			if _, ok := relativeTo(resolved, repo); ok {
				return group, repo
			}
		}
	}

	return "", ""
}

// SubmitGitBranchChange reconciles a project or code-group source after a
// git checkout or branch switch. gitPath is the watcher-reported path to
// the changed .git/HEAD or .git/refs/heads/<branch> file; its repository
// root is walked up from there. A full directory rescan is submitted for
// that source's collection so chunks left over from the prior branch's
// working tree are reconciled against the new one (spec.md §4.7).
func SubmitGitBranchChange(gitPath string, cfg *config.Config, q *queue.Queue) {
	repoRoot := gitRepoRoot(gitPath)
	if repoRoot == "" {
		return
	}
	collection, containingDir := resolvePath(repoRoot, cfg)
	if collection == "" || !cfg.IsCollectionEnabled(collection) {
		return
	}

	indexerType := queue.IndexerProject
	if collection == "obsidian" {
		indexerType = queue.IndexerObsidian
	} else if _, isCodeGroup := cfg.CodeGroups[collection]; isCodeGroup {
		indexerType = queue.IndexerCode
	}

	target := containingDir
	if target == "" {
		target = repoRoot
	}
	q.Submit(queue.IndexJob{
		JobType:        queue.JobDirectory,
		Path:           target,
		CollectionName: collection,
		IndexerType:    indexerType,
	})
}

// gitRepoRoot walks up from a path inside a .git directory (HEAD, or a
// refs/heads/<branch> file) to the directory containing that .git, i.e.
// the repository's working tree root. Returns "" if no .git ancestor is
// found.
func gitRepoRoot(p string) string {
	dir := filepath.Dir(p)
	for {
		if filepath.Base(dir) == ".git" {
			return filepath.Dir(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// MapFileToCollection is resolvePath's collection-only projection, used
// by the filesystem watcher to decide whether a changed path is worth
// submitting at all.
func MapFileToCollection(filePath string, cfg *config.Config) string {
	collection, _ := resolvePath(filePath, cfg)
	return collection
}

func resolveAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return real
}

func relativeTo(path, base string) (string, bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// RunStartupSync enumerates every configured source — home user
// directories, global paths, Obsidian vaults, code groups, and the
// system collections (email, calibre, rss) — and submits one IndexJob
// per source to q, matching original_source/src/ragling/sync.py's
// run_startup_sync. Submission happens in the calling goroutine;
// callers that want this off the hot path (spec.md §4.6's leader
// promotion) should run it in its own goroutine, mirroring the
// original's daemon thread.
func RunStartupSync(cfg *config.Config, q *queue.Queue, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Home != "" {
		if info, err := os.Stat(cfg.Home); err == nil && info.IsDir() {
			for username := range cfg.Users {
				if !cfg.IsCollectionEnabled(username) {
					continue
				}
				userDir := filepath.Join(cfg.Home, username)
				if info, err := os.Stat(userDir); err != nil || !info.IsDir() {
					continue
				}
				q.Submit(queue.IndexJob{
					JobType:        queue.JobDirectory,
					Path:           userDir,
					CollectionName: username,
					IndexerType:    queue.IndexerProject,
				})
			}
		}
	}

	if cfg.IsCollectionEnabled("global") {
		for _, gp := range cfg.GlobalPaths {
			if info, err := os.Stat(gp); err != nil || !info.IsDir() {
				continue
			}
			q.Submit(queue.IndexJob{
				JobType:        queue.JobDirectory,
				Path:           gp,
				CollectionName: "global",
				IndexerType:    queue.IndexerProject,
			})
		}
	}

	if cfg.IsCollectionEnabled("obsidian") {
		for _, vault := range cfg.ObsidianVaults {
			if info, err := os.Stat(vault); err != nil || !info.IsDir() {
				continue
			}
			q.Submit(queue.IndexJob{
				JobType:        queue.JobDirectory,
				Path:           vault,
				CollectionName: "obsidian",
				IndexerType:    queue.IndexerObsidian,
			})
		}
	}

	for group, repos := range cfg.CodeGroups {
		if !cfg.IsCollectionEnabled(group) {
			continue
		}
		for _, repo := range repos {
			q.Submit(queue.IndexJob{
				JobType:        queue.JobDirectory,
				Path:           repo,
				CollectionName: group,
				IndexerType:    queue.IndexerCode,
			})
		}
	}

	if cfg.IsCollectionEnabled("email") && cfg.MailStorePath != "" {
		q.Submit(queue.IndexJob{
			JobType:        queue.JobSystemCollection,
			Path:           cfg.MailStorePath,
			CollectionName: "email",
			IndexerType:    queue.IndexerEmail,
		})
	}

	if cfg.IsCollectionEnabled("calibre") {
		for _, lib := range cfg.CalibreLibraries {
			q.Submit(queue.IndexJob{
				JobType:        queue.JobSystemCollection,
				Path:           lib,
				CollectionName: "calibre",
				IndexerType:    queue.IndexerCalibre,
			})
		}
	}

	if cfg.IsCollectionEnabled("rss") && cfg.RSSStorePath != "" {
		q.Submit(queue.IndexJob{
			JobType:        queue.JobSystemCollection,
			Path:           cfg.RSSStorePath,
			CollectionName: "rss",
			IndexerType:    queue.IndexerRSS,
		})
	}

	logger.Info("startup sync: all jobs submitted")
}

// SubmitFileChange submits an IndexJob for a single changed or deleted
// file, matching original_source/src/ragling/sync.py's
// submit_file_change: a prune job if the file no longer exists, a
// directory-scoped reindex job (submitted against the file's containing
// collection root, since every indexer here works at directory
// granularity) otherwise.
func SubmitFileChange(filePath string, cfg *config.Config, q *queue.Queue) {
	collection, containingDir := resolvePath(filePath, cfg)
	if collection == "" {
		return
	}
	if !cfg.IsCollectionEnabled(collection) {
		return
	}

	if _, err := os.Stat(filePath); err != nil {
		q.Submit(queue.IndexJob{
			JobType:        queue.JobFileDeleted,
			Path:           filePath,
			CollectionName: collection,
			IndexerType:    queue.IndexerPrune,
		})
		return
	}

	target := containingDir
	if target == "" {
		target = filepath.Dir(filePath)
	}
	indexerType := queue.IndexerProject
	if collection == "obsidian" {
		indexerType = queue.IndexerObsidian
	} else if _, isCodeGroup := cfg.CodeGroups[collection]; isCodeGroup {
		indexerType = queue.IndexerCode
	}

	q.Submit(queue.IndexJob{
		JobType:        queue.JobFile,
		Path:           target,
		CollectionName: collection,
		IndexerType:    indexerType,
	})
}
