package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// DiscoveredSource is one vault or repo root found while walking a
// project path, carrying its relative name so callers can build a
// sub-collection name "<project>/<relative>" (spec.md §4.4.1).
type DiscoveredSource struct {
	Path         string
	RelativeName string
}

// Discovery is the result of walking one root: the vault roots, repo
// roots, and leftover files/directories outside any discovered subtree.
type Discovery struct {
	Vaults         []DiscoveredSource
	Repos          []DiscoveredSource
	LeftoverPaths  []string
}

// DiscoverSources walks root looking for Obsidian vault markers
// (a ".obsidian" subdirectory) and git repo markers (a ".git"
// subdirectory), per spec.md §4.4.1: "A directory with both markers is
// classified as a vault." Resolved (symlink-followed) paths are tracked
// in visited to break cycles from symlinked loops.
func DiscoverSources(root string) (Discovery, error) {
	var d Discovery
	visited := make(map[string]bool)
	err := discoverWalk(root, root, visited, &d)
	return d, err
}

func discoverWalk(root, dir string, visited map[string]bool, d *Discovery) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		real = dir
	}
	if visited[real] {
		return nil
	}
	visited[real] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	hasObsidian := false
	hasGit := false
	var subdirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		switch e.Name() {
		case ".obsidian":
			hasObsidian = true
		case ".git":
			hasGit = true
		}
	}

	if hasObsidian || hasGit {
		rel, _ := filepath.Rel(root, dir)
		if rel == "." {
			rel = ""
		}
		src := DiscoveredSource{Path: dir, RelativeName: rel}
		if hasObsidian {
			d.Vaults = append(d.Vaults, src)
		} else {
			d.Repos = append(d.Repos, src)
		}
		return nil // markers terminate the walk at this subtree
	}

	for _, e := range entries {
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		if e.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, name))
		} else {
			d.LeftoverPaths = append(d.LeftoverPaths, filepath.Join(dir, name))
		}
	}
	sort.Strings(subdirs)
	for _, sub := range subdirs {
		if err := discoverWalk(root, sub, visited, d); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileSubCollections deletes any existing "<project>/*" sub-
// collections that discovery no longer finds, matching
// original_source/src/ragling/indexers/discovery.py's
// reconcile_sub_collections (spec.md §4.4.1: "reconcile (delete) any
// existing sub-collections of this project no longer present in
// discovery").
func ReconcileSubCollections(ctx context.Context, deps *Deps, projectName string, d Discovery) error {
	present := make(map[string]bool, len(d.Vaults)+len(d.Repos))
	for _, v := range d.Vaults {
		present[subCollectionName(projectName, v.RelativeName)] = true
	}
	for _, r := range d.Repos {
		present[subCollectionName(projectName, r.RelativeName)] = true
	}

	rows, err := deps.Store.DB().QueryContext(ctx,
		`SELECT name FROM collections WHERE name LIKE ? || '/%'`, projectName)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if !present[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()

	for _, name := range stale {
		if err := deps.Store.DeleteCollection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func subCollectionName(project, relativeName string) string {
	if relativeName == "" {
		return project
	}
	return project + "/" + relativeName
}
