package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aihaysteve/ragrun/internal/chunk"
	"github.com/aihaysteve/ragrun/internal/doccache"
	"github.com/aihaysteve/ragrun/internal/queue"
)

// ProjectIndexer indexes arbitrary document folders into a named project
// collection, delegating discovered Obsidian vaults and git repos to
// their specialised indexers (spec.md §4.4.1).
//
// Grounded on original_source/src/ragling/indexers/project.py
// (ProjectIndexer.index/_index_flat/_index_files/_index_file).
type ProjectIndexer struct {
	Deps   *Deps
	Logger *slog.Logger

	markdown *chunk.MarkdownChunker
}

// NewProjectIndexer builds a ProjectIndexer over deps.
func NewProjectIndexer(deps *Deps, logger *slog.Logger) *ProjectIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectIndexer{Deps: deps, Logger: logger, markdown: chunk.NewMarkdownChunker()}
}

// Index implements queue.Indexer. job.Path is the root directory (or
// single file) to index; job.CollectionName names the project collection.
func (p *ProjectIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	root := job.Path
	info, err := os.Stat(root)
	if err != nil {
		return queue.Result{}, fmt.Errorf("project indexer: %w", err)
	}

	if !info.IsDir() {
		collectionID, err := p.Deps.Store.GetOrCreateCollection(ctx, job.CollectionName, defaultCollectionType)
		if err != nil {
			return queue.Result{}, err
		}
		res := queue.Result{TotalFound: 1}
		if err := p.indexFile(ctx, root, collectionID, job.Force, &res); err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, err.Error())
		}
		return res, nil
	}

	discovery, err := DiscoverSources(root)
	if err != nil {
		return queue.Result{}, err
	}
	if err := ReconcileSubCollections(ctx, p.Deps, job.CollectionName, discovery); err != nil {
		p.Logger.Warn("reconcile sub-collections failed", "collection", job.CollectionName, "error", err)
	}

	if len(discovery.Vaults) == 0 && len(discovery.Repos) == 0 {
		return p.indexFlat(ctx, root, job.CollectionName, job.Force)
	}

	var aggregate queue.Result
	for _, v := range discovery.Vaults {
		sub := subCollectionName(job.CollectionName, v.RelativeName)
		res, err := p.indexSubVault(ctx, v.Path, sub, job.Force)
		if err != nil {
			aggregate.Errors++
			aggregate.ErrorMessages = append(aggregate.ErrorMessages, err.Error())
			continue
		}
		aggregate = mergeResults(aggregate, res)
	}
	for _, r := range discovery.Repos {
		sub := subCollectionName(job.CollectionName, r.RelativeName)
		repoRes, err := p.indexSubRepo(ctx, r.Path, sub, job.Force)
		if err != nil {
			aggregate.Errors++
			aggregate.ErrorMessages = append(aggregate.ErrorMessages, err.Error())
			continue
		}
		aggregate = mergeResults(aggregate, repoRes)

		docRes, err := p.indexRepoDocuments(ctx, r.Path, sub, job.Force)
		if err != nil {
			aggregate.Errors++
			aggregate.ErrorMessages = append(aggregate.ErrorMessages, err.Error())
			continue
		}
		aggregate = mergeResults(aggregate, docRes)
	}

	var leftovers []string
	for _, f := range discovery.LeftoverPaths {
		if IsSupportedExtension(filepath.Ext(f)) {
			leftovers = append(leftovers, f)
		}
	}
	if len(leftovers) > 0 {
		collectionID, err := p.Deps.Store.GetOrCreateCollection(ctx, job.CollectionName, defaultCollectionType)
		if err != nil {
			return queue.Result{}, err
		}
		leftoverRes := p.indexFiles(ctx, leftovers, collectionID, job.Force)
		pruned, err := p.Deps.Store.PruneStaleSources(ctx, collectionID)
		if err == nil {
			leftoverRes.Pruned = pruned
		}
		aggregate = mergeResults(aggregate, leftoverRes)
	}

	p.Logger.Info("project indexer done (discovery)",
		"collection", job.CollectionName, "indexed", aggregate.Indexed,
		"skipped", aggregate.Skipped, "errors", aggregate.Errors)
	return aggregate, nil
}

func (p *ProjectIndexer) indexFlat(ctx context.Context, root, collectionName string, force bool) (queue.Result, error) {
	collectionID, err := p.Deps.Store.GetOrCreateCollection(ctx, collectionName, defaultCollectionType)
	if err != nil {
		return queue.Result{}, err
	}
	files := collectFiles(root)
	res := p.indexFiles(ctx, files, collectionID, force)
	pruned, err := p.Deps.Store.PruneStaleSources(ctx, collectionID)
	if err == nil {
		res.Pruned = pruned
	}
	p.Logger.Info("project indexer done (flat)",
		"collection", collectionName, "indexed", res.Indexed, "skipped", res.Skipped,
		"errors", res.Errors, "total_found", res.TotalFound)
	return res, nil
}

func (p *ProjectIndexer) indexFiles(ctx context.Context, files []string, collectionID int64, force bool) queue.Result {
	res := queue.Result{TotalFound: len(files)}
	for _, f := range files {
		indexed, err := p.indexOneFile(ctx, f, collectionID, force)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		if indexed {
			res.Indexed++
		} else {
			res.Skipped++
		}
	}
	return res
}

func (p *ProjectIndexer) indexFile(ctx context.Context, path string, collectionID int64, force bool, res *queue.Result) error {
	indexed, err := p.indexOneFile(ctx, path, collectionID, force)
	if err != nil {
		return err
	}
	if indexed {
		res.Indexed++
	} else {
		res.Skipped++
	}
	return nil
}

// indexOneFile implements project.py's _index_file: hash-based change
// detection, parse/chunk by source type, embed, upsert.
func (p *ProjectIndexer) indexOneFile(ctx context.Context, path string, collectionID int64, force bool) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h, err := fileHash(abs)
	if err != nil {
		return false, err
	}
	ext := strings.ToLower(filepath.Ext(abs))
	sourceType := SourceTypeForExtension(ext)

	if !force {
		var existingHash *string
		row := p.Deps.Store.DB().QueryRowContext(ctx,
			`SELECT file_hash FROM sources WHERE collection_id = ? AND source_path = ?`, collectionID, abs)
		if err := row.Scan(&existingHash); err == nil && existingHash != nil && *existingHash == h {
			return false, nil
		}
	}

	chunks, err := p.parseAndChunk(ctx, abs, sourceType)
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, nil
	}

	inputs, texts := chunkInputsFromChunks(chunks)
	vectors, err := embedAll(ctx, p.Deps.Embedder, texts)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return false, err
	}
	mtime := info.ModTime().UTC()

	if _, err := p.Deps.Store.UpsertSourceWithChunks(ctx, collectionID, abs, sourceType, inputs, vectors, &h, &mtime); err != nil {
		return false, err
	}
	return true, nil
}

// parseAndChunk routes by source type: docling-family formats go through
// the conversion cache, markdown/plaintext/epub use the in-process
// chunkers (spec.md §4.4.1).
func (p *ProjectIndexer) parseAndChunk(ctx context.Context, path, sourceType string) ([]*chunk.Chunk, error) {
	if doclingFormats[sourceType] {
		if p.Deps.Cache == nil {
			return nil, fmt.Errorf("source type %q requires a conversion cache", sourceType)
		}
		return p.parseViaCache(ctx, path, sourceType)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	input := &chunk.FileInput{Path: path, Content: raw}
	switch sourceType {
	case "markdown":
		return p.markdown.Chunk(ctx, input)
	default:
		return plaintextChunks(path, raw, p.Deps.Config.ChunkSizeTokens, p.Deps.Config.ChunkOverlapTokens)
	}
}

func (p *ProjectIndexer) parseViaCache(ctx context.Context, path, sourceType string) ([]*chunk.Chunk, error) {
	configHash, err := doccache.ConfigHash(p.Deps.Config)
	if err != nil {
		return nil, err
	}
	doc, err := p.Deps.Cache.GetOrConvert(ctx, path, ExternalConverter, configHash)
	if err != nil {
		return nil, err
	}
	return plaintextChunks(path, []byte(doc.Content), p.Deps.Config.ChunkSizeTokens, p.Deps.Config.ChunkOverlapTokens)
}

func collectFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if isHidden(filepath.Base(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(filepath.Base(path)) {
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

func mergeResults(a, b queue.Result) queue.Result {
	return queue.Result{
		Indexed:       a.Indexed + b.Indexed,
		Skipped:       a.Skipped + b.Skipped,
		SkippedEmpty:  a.SkippedEmpty + b.SkippedEmpty,
		Pruned:        a.Pruned + b.Pruned,
		Errors:        a.Errors + b.Errors,
		TotalFound:    a.TotalFound + b.TotalFound,
		ErrorMessages: append(append([]string{}, a.ErrorMessages...), b.ErrorMessages...),
	}
}
