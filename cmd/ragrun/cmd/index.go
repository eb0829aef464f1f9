package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aihaysteve/ragrun/internal/output"
	"github.com/aihaysteve/ragrun/internal/queue"
)

// indexCLITimeout bounds how long a one-shot `ragrun index` CLI
// invocation waits for its single job before giving up (the job itself
// keeps running in the background per spec.md §7's submit_and_wait
// semantics).
const indexCLITimeout = 30 * time.Minute

// indexOptions holds CLI flags for index.
type indexOptions struct {
	collection  string
	indexerType string
	force       bool
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a directory or repository one time",
		Long: `Run a single indexing pass over a path through a freshly started,
single-use queue worker, without starting watchers or the tool server.

The collection name defaults to the target directory's base name; the
indexer type defaults to "project" (use --type code/obsidian/calibre/
email/rss to route to a specific source indexer).

Examples:
  ragrun index .
  ragrun index ~/notes --collection obsidian --type obsidian
  ragrun index ~/src/myrepo --collection myrepo --type code --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			return runIndex(cmd.Context(), cmd, path, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.collection, "collection", "c", "", "collection name (default: directory base name)")
	cmd.Flags().StringVarP(&opts.indexerType, "type", "t", "project", "indexer type: project, code, obsidian, calibre, email, rss")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "reindex even if content hashes are unchanged")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, opts indexOptions) error {
	out := output.New(cmd.OutOrStdout())

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	collection := opts.collection
	if collection == "" {
		collection = filepath.Base(absPath)
	}

	indexerType, err := parseIndexerType(opts.indexerType)
	if err != nil {
		return err
	}

	a, err := newApp(slog.Default())
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	defer a.Close()

	q := newQueue(a)
	q.Start(ctx)
	res, ok := q.SubmitAndWait(ctx, queue.IndexJob{
		JobType:        queue.JobDirectory,
		Path:           absPath,
		CollectionName: collection,
		IndexerType:    indexerType,
		Force:          opts.force,
	}, indexCLITimeout)
	if !ok || res == nil {
		return fmt.Errorf("indexing %s timed out", absPath)
	}

	out.Successf("collection %q: indexed=%d skipped=%d skipped_empty=%d pruned=%d errors=%d total_found=%d",
		collection, res.Indexed, res.Skipped, res.SkippedEmpty, res.Pruned, res.Errors, res.TotalFound)
	for _, msg := range res.ErrorMessages {
		out.Warning(msg)
	}
	if res.Errors > 0 {
		return fmt.Errorf("indexing completed with %d errors", res.Errors)
	}
	return nil
}

func parseIndexerType(s string) (queue.IndexerType, error) {
	switch queue.IndexerType(s) {
	case queue.IndexerProject, queue.IndexerCode, queue.IndexerObsidian,
		queue.IndexerEmail, queue.IndexerCalibre, queue.IndexerRSS, queue.IndexerPrune:
		return queue.IndexerType(s), nil
	default:
		return "", fmt.Errorf("unknown indexer type %q", s)
	}
}
