package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aihaysteve/ragrun/internal/output"
)

// collectionStatus is one row of `ragrun status`'s collection table,
// grounded on internal/mcptools.CollectionSummary's query shape.
type collectionStatus struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	SourceCount int     `json:"source_count"`
	ChunkCount  int     `json:"chunk_count"`
	LastIndexed *string `json:"last_indexed,omitempty"`
}

// statusInfo is `ragrun status`'s full report.
type statusInfo struct {
	DBPath        string             `json:"db_path"`
	GroupName     string             `json:"group_name"`
	IsIndexing    bool               `json:"is_indexing"`
	Collections   []collectionStatus `json:"collections"`
	DocCacheCount int                `json:"doc_cache_sources,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index health: collections, source/chunk counts, doc cache size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	a, err := newApp(slog.Default())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer a.Close()

	info := statusInfo{DBPath: activeDBPath(a.config), GroupName: a.config.GroupName}

	rows, err := a.store.DB().QueryContext(ctx, `
SELECT c.name, c.collection_type,
       (SELECT COUNT(*) FROM sources s WHERE s.collection_id = c.id) AS source_count,
       (SELECT COUNT(*) FROM documents d WHERE d.collection_id = c.id) AS chunk_count,
       (SELECT MAX(s.last_indexed_at) FROM sources s WHERE s.collection_id = c.id) AS last_indexed
FROM collections c
ORDER BY c.name`)
	if err != nil {
		return fmt.Errorf("status: query collections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c collectionStatus
		var lastIndexed sql.NullString
		if err := rows.Scan(&c.Name, &c.Type, &c.SourceCount, &c.ChunkCount, &lastIndexed); err != nil {
			return fmt.Errorf("status: scan collection: %w", err)
		}
		if lastIndexed.Valid {
			c.LastIndexed = &lastIndexed.String
		}
		info.Collections = append(info.Collections, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if a.cache != nil {
		sources, err := a.cache.ListSources(ctx)
		if err == nil {
			info.DocCacheCount = len(sources)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	out := output.New(cmd.OutOrStdout())
	out.Statusf("", "index store: %s (group %q)", info.DBPath, info.GroupName)
	if info.DocCacheCount > 0 {
		out.Statusf("", "doc cache: %d cached sources", info.DocCacheCount)
	}
	if len(info.Collections) == 0 {
		out.Status("", "no collections indexed yet")
		return nil
	}
	for _, c := range info.Collections {
		last := "never"
		if c.LastIndexed != nil {
			last = *c.LastIndexed
		}
		out.Statusf("", "%-24s %-8s sources=%-5d chunks=%-6d last_indexed=%s", c.Name, c.Type, c.SourceCount, c.ChunkCount, last)
	}
	return nil
}
