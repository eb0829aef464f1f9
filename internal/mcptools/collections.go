package mcptools

import (
	"context"
	"database/sql"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CollectionSummary is one entry of the rag_collections tool's output,
// matching original_source/src/ragling/mcp_server.py's rag_list_collections.
type CollectionSummary struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Description  string  `json:"description"`
	SourceCount  int     `json:"source_count"`
	ChunkCount   int     `json:"chunk_count"`
	LastIndexed  *string `json:"last_indexed,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// CollectionsOutput is the rag_collections tool's output schema.
type CollectionsOutput struct {
	Collections []CollectionSummary `json:"collections"`
}

// CollectionsInput is the rag_collections tool's input schema (no parameters).
type CollectionsInput struct{}

func (s *Server) handleCollections(ctx context.Context, _ *mcp.CallToolRequest, _ CollectionsInput) (*mcp.CallToolResult, CollectionsOutput, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
SELECT c.name, c.collection_type, c.description, c.created_at,
       (SELECT COUNT(*) FROM sources s WHERE s.collection_id = c.id) AS source_count,
       (SELECT COUNT(*) FROM documents d WHERE d.collection_id = c.id) AS chunk_count,
       (SELECT MAX(s.last_indexed_at) FROM sources s WHERE s.collection_id = c.id) AS last_indexed
FROM collections c
ORDER BY c.name`)
	if err != nil {
		return nil, CollectionsOutput{}, err
	}
	defer rows.Close()

	out := CollectionsOutput{}
	for rows.Next() {
		var c CollectionSummary
		var lastIndexed sql.NullString
		if err := rows.Scan(&c.Name, &c.Type, &c.Description, &c.CreatedAt, &c.SourceCount, &c.ChunkCount, &lastIndexed); err != nil {
			return nil, CollectionsOutput{}, err
		}
		if lastIndexed.Valid {
			c.LastIndexed = &lastIndexed.String
		}
		out.Collections = append(out.Collections, c)
	}
	return nil, out, rows.Err()
}

// DocStoreSourceOutput is one entry of rag_doc_store_info's output,
// matching doccache.SourceRecord.
type DocStoreSourceOutput struct {
	SourcePath   string    `json:"source_path"`
	ContentHash  string    `json:"content_hash"`
	FileSize     int64     `json:"file_size"`
	ModifiedAt   time.Time `json:"file_modified_at"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DocStoreInfoOutput is the rag_doc_store_info tool's output schema.
type DocStoreInfoOutput struct {
	Sources []DocStoreSourceOutput `json:"sources"`
}

// DocStoreInfoInput is the rag_doc_store_info tool's input schema (no parameters).
type DocStoreInfoInput struct{}

func (s *Server) handleDocStoreInfo(ctx context.Context, _ *mcp.CallToolRequest, _ DocStoreInfoInput) (*mcp.CallToolResult, DocStoreInfoOutput, error) {
	if s.cache == nil {
		return nil, DocStoreInfoOutput{}, invalidParams("document conversion cache is not available")
	}
	records, err := s.cache.ListSources(ctx)
	if err != nil {
		return nil, DocStoreInfoOutput{}, err
	}
	out := DocStoreInfoOutput{Sources: make([]DocStoreSourceOutput, 0, len(records))}
	for _, r := range records {
		out.Sources = append(out.Sources, DocStoreSourceOutput{
			SourcePath:   r.SourcePath,
			ContentHash:  r.ContentHash,
			FileSize:     r.SizeBytes,
			ModifiedAt:   r.ModifiedAt,
			DiscoveredAt: r.DiscoveredAt,
		})
	}
	return nil, out, nil
}

// CollectionInfoInput is the rag_collection_info tool's input schema.
type CollectionInfoInput struct {
	Collection string `json:"collection" jsonschema:"the collection name"`
}

// CollectionInfoOutput is the rag_collection_info tool's output schema,
// matching original_source/src/ragling/mcp_server.py's rag_collection_info.
type CollectionInfoOutput struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Description  string         `json:"description"`
	CreatedAt    string         `json:"created_at"`
	SourceCount  int            `json:"source_count"`
	ChunkCount   int            `json:"chunk_count"`
	LastIndexed  *string        `json:"last_indexed,omitempty"`
	SourceTypes  map[string]int `json:"source_types"`
	SampleTitles []string       `json:"sample_titles"`
}

func (s *Server) handleCollectionInfo(ctx context.Context, _ *mcp.CallToolRequest, in CollectionInfoInput) (*mcp.CallToolResult, CollectionInfoOutput, error) {
	if in.Collection == "" {
		return nil, CollectionInfoOutput{}, invalidParams("collection parameter is required")
	}

	coll, ok, err := s.store.GetCollectionByName(ctx, in.Collection)
	if err != nil {
		return nil, CollectionInfoOutput{}, err
	}
	if !ok {
		return nil, CollectionInfoOutput{}, invalidParams("collection %q not found", in.Collection)
	}

	out := CollectionInfoOutput{
		Name:        coll.Name,
		Type:        string(coll.Type),
		Description: coll.Description,
		CreatedAt:   coll.CreatedAt.Format(time.RFC3339Nano),
		SourceTypes: make(map[string]int),
	}

	db := s.store.DB()
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection_id = ?`, coll.ID).Scan(&out.ChunkCount); err != nil {
		return nil, CollectionInfoOutput{}, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE collection_id = ?`, coll.ID).Scan(&out.SourceCount); err != nil {
		return nil, CollectionInfoOutput{}, err
	}

	var lastIndexed sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT MAX(last_indexed_at) FROM sources WHERE collection_id = ?`, coll.ID).Scan(&lastIndexed); err != nil {
		return nil, CollectionInfoOutput{}, err
	}
	if lastIndexed.Valid {
		out.LastIndexed = &lastIndexed.String
	}

	typeRows, err := db.QueryContext(ctx, `SELECT source_type, COUNT(*) FROM sources WHERE collection_id = ? GROUP BY source_type`, coll.ID)
	if err != nil {
		return nil, CollectionInfoOutput{}, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var t string
		var n int
		if err := typeRows.Scan(&t, &n); err != nil {
			return nil, CollectionInfoOutput{}, err
		}
		out.SourceTypes[t] = n
	}
	if err := typeRows.Err(); err != nil {
		return nil, CollectionInfoOutput{}, err
	}

	titleRows, err := db.QueryContext(ctx, `SELECT DISTINCT title FROM documents WHERE collection_id = ? LIMIT 10`, coll.ID)
	if err != nil {
		return nil, CollectionInfoOutput{}, err
	}
	defer titleRows.Close()
	for titleRows.Next() {
		var t string
		if err := titleRows.Scan(&t); err != nil {
			return nil, CollectionInfoOutput{}, err
		}
		out.SampleTitles = append(out.SampleTitles, t)
	}
	return nil, out, titleRows.Err()
}
