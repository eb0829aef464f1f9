package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aihaysteve/ragrun/internal/output"
	"github.com/aihaysteve/ragrun/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	topK       int
	collection string
	sourceType string
	sender     string
	author     string
	dateFrom   string
	dateTo     string
	jsonOutput bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid (dense + lexical) search",
		Long: `Search the index using the same hybrid dense-vector + lexical query
plan and reciprocal-rank fusion the tool server's rag_search uses
(spec.md §4.6).

Examples:
  ragrun search "authentication middleware"
  ragrun search "deployment steps" --collection notes --top-k 5
  ragrun search "release notes" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 10, "maximum number of results")
	cmd.Flags().StringVarP(&opts.collection, "collection", "c", "", "filter by collection name")
	cmd.Flags().StringVar(&opts.sourceType, "source-type", "", "filter by source type")
	cmd.Flags().StringVar(&opts.sender, "sender", "", "filter email results by sender substring")
	cmd.Flags().StringVar(&opts.author, "author", "", "filter results by author substring")
	cmd.Flags().StringVar(&opts.dateFrom, "date-from", "", "filter results with metadata date >= this value")
	cmd.Flags().StringVar(&opts.dateTo, "date-to", "", "filter results with metadata date <= this value")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "output results as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())

	a, err := newApp(slog.Default())
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	defer a.Close()

	var embedding []float32
	if query != "" {
		vecs, err := a.embed.Embed(ctx, []string{query})
		if err != nil {
			return fmt.Errorf("search: embed query: %w", err)
		}
		embedding = vecs[0]
	}

	results, err := a.engine.Search(ctx, search.Options{
		QueryText:      query,
		QueryEmbedding: embedding,
		TopK:           opts.topK,
		Filters: search.Filters{
			CollectionName: opts.collection,
			SourceType:     opts.sourceType,
			Sender:         opts.sender,
			Author:         opts.author,
			DateFrom:       opts.dateFrom,
			DateTo:         opts.dateTo,
		},
		Weights: search.Weights{
			Dense:   a.config.SearchDefaults.VectorWeight,
			Lexical: a.config.SearchDefaults.FTSWeight,
			RRFK:    a.config.SearchDefaults.RRFK,
		},
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		out.Status("", "no results")
		return nil
	}
	for i, r := range results {
		stale := ""
		if r.Stale {
			stale = " [stale]"
		}
		out.Statusf("", "%2d. [%.4f] %s — %s (%s)%s", i+1, r.Score, r.Title, r.Collection, r.SourceType, stale)
		snippet := r.Content
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		out.Status("", "    "+strings.ReplaceAll(snippet, "\n", " "))
	}
	return nil
}
