package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/doccache"
	"github.com/aihaysteve/ragrun/internal/embed"
	"github.com/aihaysteve/ragrun/internal/indexer"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/search"
	"github.com/aihaysteve/ragrun/internal/store"
)

// app bundles every long-lived collaborator a ragrun process needs,
// wired once at startup and shared by whichever subcommand runs.
type app struct {
	config *config.Config
	store  *store.IndexStore
	cache  *doccache.Cache
	embed  embed.Client
	engine *search.Engine
	queue  *queue.Queue
	logger *slog.Logger
}

// activeDBPath resolves the per-group index store path the way
// leader.LockPathForConfig does: the default group shares cfg.DBPath,
// named groups get their own file under cfg.GroupDBDir.
func activeDBPath(cfg *config.Config) string {
	if cfg.GroupName == "" || cfg.GroupName == "default" {
		return cfg.DBPath
	}
	return cfg.GroupIndexDBPath()
}

// newApp loads config, opens the index store and doc cache, and wires
// the embedding client and search engine. It does not start the queue or
// any watchers — callers that need those (serve) build them separately
// since only the leader process may run a queue worker against the
// store.
func newApp(logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbPath := activeDBPath(cfg)
	if err := ensureParentDir(dbPath); err != nil {
		return nil, err
	}
	st, err := store.OpenIndexStore(dbPath, cfg.EmbeddingDimensions, cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	var cache *doccache.Cache
	if cfg.SharedDocCachePath != "" {
		if err := ensureParentDir(cfg.SharedDocCachePath); err != nil {
			return nil, err
		}
		cache, err = doccache.Open(cfg.SharedDocCachePath)
		if err != nil {
			return nil, err
		}
	}

	httpClient := embed.NewHTTPClient(embed.HTTPConfig{
		Host:       cfg.EmbeddingHost,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	}, logger)
	cachedClient, err := embed.NewCachedClient(httpClient, 4096)
	if err != nil {
		return nil, err
	}

	return &app{
		config: cfg,
		store:  st,
		cache:  cache,
		embed:  cachedClient,
		engine: search.New(st),
		logger: logger,
	}, nil
}

func ensureParentDir(path string) error {
	return mkdirAll(filepath.Dir(path))
}

func mkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// newQueue builds a queue with every concrete indexer registered under
// its IndexerType, matching spec.md §4.5's router-on-indexer_type
// dispatch.
func newQueue(a *app) *queue.Queue {
	deps := &indexer.Deps{
		Store:    a.store,
		Cache:    a.cache,
		Embedder: a.embed,
		Config:   a.config,
	}

	q := queue.New(a.logger, 256)
	q.Register(queue.IndexerProject, indexer.NewProjectIndexer(deps, a.logger))
	q.Register(queue.IndexerCode, indexer.NewGitIndexer(deps, a.logger))
	q.Register(queue.IndexerObsidian, indexer.NewVaultIndexer(deps))
	q.Register(queue.IndexerEmail, indexer.NewEmailIndexer(deps, a.logger))
	q.Register(queue.IndexerCalibre, indexer.NewCalibreIndexer(deps, a.logger))
	q.Register(queue.IndexerRSS, indexer.NewRSSIndexer(deps, a.logger))
	q.Register(queue.IndexerPrune, indexer.NewPruneIndexer(deps, a.logger))
	return q
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
