// Package mcptools implements the tool endpoint (spec.md §6): an MCP
// server exposing rag_search, rag_index, rag_convert, rag_collections,
// rag_doc_store_info, and rag_collection_info over stdio transport.
//
// Grounded on the teacher's internal/mcp.Server for the Go SDK idiom
// (typed jsonschema-tagged input/output structs registered via
// mcp.AddTool, mcp.NewServer(&mcp.Implementation{...}, nil), stdio
// transport via mcp.Run) and on
// original_source/src/ragling/mcp_server.py for the six tools'
// semantics, docstrings, and source_uri construction logic.
package mcptools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/doccache"
	"github.com/aihaysteve/ragrun/internal/embed"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/search"
	"github.com/aihaysteve/ragrun/internal/store"
	"github.com/aihaysteve/ragrun/pkg/version"
)

// Server bundles the collaborators every tool handler needs: the search
// engine and store for the active group, the shared doc cache, the
// indexing queue (rag_index submits jobs to it and rag_search reads its
// IndexingStatus), and the resolved config (collection visibility,
// obsidian vault list, allowed convert roots).
type Server struct {
	mcp *mcp.Server

	engine *search.Engine
	store  *store.IndexStore
	cache  *doccache.Cache
	queue  *queue.Queue
	embed  embed.Client
	config *config.Config
	logger *slog.Logger
}

// New builds a Server over the given collaborators. queue may be nil, in
// which case rag_index reports indexing as unsupported in this process
// (e.g. a read-only follower).
func New(eng *search.Engine, st *store.IndexStore, cache *doccache.Cache, q *queue.Queue, embedder embed.Client, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		store:  st,
		cache:  cache,
		queue:  q,
		embed:  embedder,
		config: cfg,
		logger: logger,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "ragrun",
		Version: version.Version,
	}, nil)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.logger.Debug("registering MCP tools")

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_search",
		Description: ragSearchDescription,
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_index",
		Description: "Trigger indexing for a collection (system collection, code group, or project path).",
	}, s.handleIndex)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_convert",
		Description: "Convert a document (PDF, DOCX, PPTX, XLSX, HTML, EPUB, plain text) to markdown text. Results are cached.",
	}, s.handleConvert)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_collections",
		Description: "List all collections with source file counts, chunk counts, and last-indexed timestamps.",
	}, s.handleCollections)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_doc_store_info",
		Description: "List every source in the shared document conversion cache, regardless of which collection indexed it.",
	}, s.handleDocStoreInfo)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_collection_info",
		Description: "Get detailed information about one collection: source/chunk counts, source-type breakdown, sample titles.",
	}, s.handleCollectionInfo)

	s.logger.Info("MCP tools registered", "count", 6)
}

// Serve runs the server over stdio until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("MCP server stopped with error", "error", err)
		return err
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// generateRequestID returns a short id for log correlation across a
// single tool call's handler + search engine + queue submission.
func generateRequestID() string {
	return uuid.NewString()
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
