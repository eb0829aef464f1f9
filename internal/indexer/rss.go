package indexer

import (
	"context"
	"encoding/xml"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aihaysteve/ragrun/internal/chunk"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/store"
)

// RSSIndexer indexes RSS 2.0 feed exports under a configured store path
// into the "rss" system collection — grounded on
// original_source/src/ragling/indexers/rss_indexer.py's watermark/
// dedup-by-article-id conventions, adapted from NetNewsWire's private
// per-account SQLite schema (not present in the retrieval pack) to
// standard RSS XML files a Go-only pipeline can parse without a
// reverse-engineered reader. Per-GUID dedup uses a bbolt-backed
// membership cache (SPEC_FULL.md's bbolt wiring) since a single
// collection-level date watermark can't disambiguate feeds whose items
// arrive out of chronological order.
type RSSIndexer struct {
	Deps   *Deps
	Logger *slog.Logger
}

// NewRSSIndexer builds an RSSIndexer over deps.
func NewRSSIndexer(deps *Deps, logger *slog.Logger) *RSSIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RSSIndexer{Deps: deps, Logger: logger}
}

type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
	Author      string `xml:"author"`
	Category    string `xml:"category"`
}

func (i rssItem) id() string {
	if i.GUID != "" {
		return i.GUID
	}
	return i.Link
}

// Index implements queue.Indexer for IndexerRSS jobs.
func (r *RSSIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	root := r.Deps.Config.RSSStorePath
	if job.Path != "" {
		root = job.Path
	}
	if root == "" {
		return queue.Result{}, nil
	}

	collectionID, err := r.Deps.Store.GetOrCreateCollection(ctx, "rss", store.CollectionSystem)
	if err != nil {
		return queue.Result{}, err
	}

	cachePath := filepath.Join(filepath.Dir(r.Deps.Config.DBPath), "rss_seen.bolt")
	seen, err := openSeenCache(cachePath, "rss_guids")
	if err != nil {
		return queue.Result{}, err
	}
	defer seen.Close()

	sinceDate := ""
	if !job.Force {
		if coll, ok, err := r.Deps.Store.GetCollectionByName(ctx, "rss"); err == nil && ok {
			sinceDate = coll.Description
		}
	}

	feedFiles := discoverFeedFiles(root)
	res := queue.Result{}
	latest := sinceDate

	for _, ff := range feedFiles {
		feed, err := parseFeedFile(ff)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, err.Error())
			continue
		}
		res.TotalFound += len(feed.Channel.Items)

		for _, item := range feed.Channel.Items {
			id := item.id()
			if id == "" {
				res.Skipped++
				continue
			}
			if !job.Force && seen.Has(id) {
				res.Skipped++
				continue
			}

			chunks := wordWindowChunks(id, item.Title, item.Title+"\n\n"+item.Description,
				r.Deps.Config.ChunkSizeTokens, r.Deps.Config.ChunkOverlapTokens)
			if len(chunks) == 0 {
				res.SkippedEmpty++
				_ = seen.Mark(id)
				continue
			}

			inputs, texts := chunkInputsForRSS(chunks, feed.Channel.Title, item)
			vectors, err := embedAll(ctx, r.Deps.Embedder, texts)
			if err != nil {
				res.Errors++
				res.ErrorMessages = append(res.ErrorMessages, err.Error())
				continue
			}

			if _, err := r.Deps.Store.UpsertSourceWithChunks(ctx, collectionID, id, "rss", inputs, vectors, nil, nil); err != nil {
				res.Errors++
				res.ErrorMessages = append(res.ErrorMessages, err.Error())
				continue
			}
			_ = seen.Mark(id)
			res.Indexed++
			if item.PubDate > latest {
				latest = item.PubDate
			}
		}
	}

	if latest != "" && latest != sinceDate {
		if _, err := r.Deps.Store.DB().ExecContext(ctx,
			`UPDATE collections SET description = ? WHERE id = ?`, latest, collectionID); err != nil {
			r.Logger.Warn("failed to persist rss watermark", "error", err)
		}
	}

	return res, nil
}

func chunkInputsForRSS(chunks []*chunk.Chunk, feedName string, item rssItem) ([]store.ChunkInput, []string) {
	inputs := make([]store.ChunkInput, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{
			"url":       item.Link,
			"feed_name": feedName,
			"date":      item.PubDate,
		}
		if item.Category != "" {
			meta["feed_category"] = item.Category
		}
		if item.Author != "" {
			meta["authors"] = item.Author
		}
		inputs[i] = store.ChunkInput{ChunkIndex: i, Title: item.Title, Content: c.Content, Metadata: meta}
		texts[i] = c.Content
	}
	return inputs, texts
}

func discoverFeedFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isHidden(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".xml" || ext == ".rss" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func parseFeedFile(path string) (rssFeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rssFeed{}, err
	}
	var feed rssFeed
	if err := xml.Unmarshal(raw, &feed); err != nil {
		return rssFeed{}, err
	}
	return feed, nil
}
