package indexer

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/store"
)

// vaultSkipDirs are directories an Obsidian vault walk always skips,
// regardless of the configured exclude folders — grounded on
// original_source/src/ragling/indexers/obsidian.py's _SKIP_DIRS.
var vaultSkipDirs = map[string]bool{".obsidian": true, ".trash": true, ".git": true}

// VaultIndexer indexes a discovered Obsidian vault standalone (e.g. from
// the top-level "obsidian" system collection enumerated by startup
// sync), delegating to ProjectIndexer's per-file pipeline the same way a
// vault nested inside a project tree does.
type VaultIndexer struct {
	proj *ProjectIndexer
}

// NewVaultIndexer builds a VaultIndexer over deps.
func NewVaultIndexer(deps *Deps) *VaultIndexer {
	return &VaultIndexer{proj: NewProjectIndexer(deps, nil)}
}

// Index implements queue.Indexer. job.Path is the vault root;
// job.CollectionName is "obsidian" for the system vault collection, or a
// project-scoped sub-collection name for a vault discovered beneath a
// project root.
func (v *VaultIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	excludeFolders := v.proj.Deps.Config.ObsidianExcludeFolders
	return v.proj.indexSubVault(ctx, job.Path, job.CollectionName, job.Force, excludeFolders)
}

// indexSubVault walks vaultPath for every supported document extension,
// skipping hidden/system/user-excluded folders, and indexes each file
// via the same hash-checked upsert pipeline project.go uses — grounded
// on original_source/src/ragling/indexers/obsidian.py's
// ObsidianIndexer.index/_walk_vault/_index_file.
func (p *ProjectIndexer) indexSubVault(ctx context.Context, vaultPath, collectionName string, force bool, excludeFolders ...[]string) (queue.Result, error) {
	var exclude []string
	if len(excludeFolders) > 0 {
		exclude = excludeFolders[0]
	} else {
		exclude = p.Deps.Config.ObsidianExcludeFolders
	}
	excludeSet := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excludeSet[e] = true
	}

	collectionID, err := p.Deps.Store.GetOrCreateCollection(ctx, collectionName, store.CollectionSystem)
	if err != nil {
		return queue.Result{}, err
	}

	files := walkVault(vaultPath, excludeSet)
	res := p.indexFiles(ctx, files, collectionID, force)

	pruned, err := p.Deps.Store.PruneStaleSources(ctx, collectionID)
	if err == nil {
		res.Pruned = pruned
	}
	p.Logger.Info("vault indexer done", "vault", vaultPath, "collection", collectionName,
		"indexed", res.Indexed, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

func walkVault(vaultPath string, excludeFolders map[string]bool) []string {
	var files []string
	_ = filepath.WalkDir(vaultPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == vaultPath {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || vaultSkipDirs[name] || excludeFolders[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if IsSupportedExtension(filepath.Ext(path)) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}
