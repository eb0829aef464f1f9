package mcptools

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aihaysteve/ragrun/internal/queue"
)

// IndexInput is the rag_index tool's input schema, matching
// original_source/src/ragling/mcp_server.py's rag_index: a collection
// name (system collection, code group, or project name) plus an
// optional path, required only for a brand-new project collection.
type IndexInput struct {
	Collection string `json:"collection" jsonschema:"collection name: obsidian, email, calibre, rss, a code group name, or a project name"`
	Path       string `json:"path,omitempty" jsonschema:"path to index; required for a new project collection"`
}

// IndexOutput is the rag_index tool's output schema, mirroring
// queue.Result's fields the Python original surfaces.
type IndexOutput struct {
	Collection string `json:"collection"`
	Indexed    int    `json:"indexed"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	TotalFound int    `json:"total_found"`
}

// submitTimeout bounds how long rag_index blocks waiting for a
// synchronous result before returning early while the job continues in
// the background (spec.md §4.5's submit_and_wait semantics).
const submitTimeout = 5 * time.Minute

func (s *Server) handleIndex(ctx context.Context, _ *mcp.CallToolRequest, in IndexInput) (*mcp.CallToolResult, IndexOutput, error) {
	if in.Collection == "" {
		return nil, IndexOutput{}, invalidParams("collection parameter is required")
	}
	if s.queue == nil {
		return nil, IndexOutput{}, invalidParams("indexing is not available in this process")
	}
	if s.config != nil && !s.config.IsCollectionEnabled(in.Collection) {
		return nil, IndexOutput{}, invalidParams("collection %q is disabled in config", in.Collection)
	}

	indexerType, path, err := s.resolveIndexTarget(in.Collection, in.Path)
	if err != nil {
		return nil, IndexOutput{}, err
	}

	job := queue.IndexJob{
		JobType:        queue.JobDirectory,
		Path:           path,
		CollectionName: in.Collection,
		IndexerType:    indexerType,
	}

	result, ok := s.queue.SubmitAndWait(ctx, job, submitTimeout)
	if !ok || result == nil {
		s.logger.Info("rag_index: job still running after timeout, continuing in background", "collection", in.Collection)
		return nil, IndexOutput{Collection: in.Collection}, nil
	}

	return nil, IndexOutput{
		Collection: in.Collection,
		Indexed:    result.Indexed,
		Skipped:    result.Skipped,
		Errors:     result.Errors,
		TotalFound: result.TotalFound,
	}, nil
}

// resolveIndexTarget picks the IndexerType and path for a collection name,
// matching rag_index's dispatch in the Python original: system
// collections use their configured path, code groups index every repo in
// the group (the first repo is returned here; the rest are submitted as
// separate jobs), and anything else requires an explicit path argument.
func (s *Server) resolveIndexTarget(collection, path string) (queue.IndexerType, string, error) {
	switch collection {
	case "obsidian":
		if len(s.config.ObsidianVaults) == 0 {
			return "", "", invalidParams("no obsidian vaults configured")
		}
		return queue.IndexerObsidian, s.config.ObsidianVaults[0], nil
	case "email":
		if s.config.MailStorePath == "" {
			return "", "", invalidParams("no mail store configured")
		}
		return queue.IndexerEmail, s.config.MailStorePath, nil
	case "calibre":
		if len(s.config.CalibreLibraries) == 0 {
			return "", "", invalidParams("no calibre libraries configured")
		}
		return queue.IndexerCalibre, s.config.CalibreLibraries[0], nil
	case "rss":
		if s.config.RSSStorePath == "" {
			return "", "", invalidParams("no rss store configured")
		}
		return queue.IndexerRSS, s.config.RSSStorePath, nil
	}

	if repos, ok := s.config.CodeGroups[collection]; ok {
		if len(repos) == 0 {
			return "", "", invalidParams("code group %q has no configured repos", collection)
		}
		for _, r := range repos[1:] {
			s.queue.Submit(queue.IndexJob{
				JobType:        queue.JobDirectory,
				Path:           r,
				CollectionName: collection,
				IndexerType:    queue.IndexerCode,
			})
		}
		return queue.IndexerCode, repos[0], nil
	}

	if path == "" {
		return "", "", invalidParams("unknown collection %q; provide a path for project indexing", collection)
	}
	return queue.IndexerProject, path, nil
}
