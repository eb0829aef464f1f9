package indexer

import (
	"context"
	"log/slog"

	"github.com/aihaysteve/ragrun/internal/queue"
)

// PruneIndexer implements queue.Indexer for IndexerPrune jobs: the
// watcher layer submits one of these when a previously-indexed file is
// deleted from disk (spec.md §4.7's file_deleted job type), so the
// source row (and its documents, via the sources table's ON DELETE
// CASCADE) is removed without waiting for the next full reindex's
// PruneStaleSources pass.
type PruneIndexer struct {
	Deps   *Deps
	Logger *slog.Logger
}

// NewPruneIndexer builds a PruneIndexer over deps.
func NewPruneIndexer(deps *Deps, logger *slog.Logger) *PruneIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PruneIndexer{Deps: deps, Logger: logger}
}

// Index implements queue.Indexer.
func (p *PruneIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	coll, ok, err := p.Deps.Store.GetCollectionByName(ctx, job.CollectionName)
	if err != nil {
		return queue.Result{}, err
	}
	if !ok {
		return queue.Result{}, nil
	}

	deleted, err := p.Deps.Store.DeleteSource(ctx, coll.ID, job.Path)
	if err != nil {
		return queue.Result{}, err
	}
	if !deleted {
		return queue.Result{Skipped: 1}, nil
	}
	p.Logger.Info("pruned deleted source", "collection", job.CollectionName, "path", job.Path)
	return queue.Result{Pruned: 1}, nil
}
