package mcptools

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/doccache"
	"github.com/aihaysteve/ragrun/internal/indexer"
)

// ConvertInput is the rag_convert tool's input schema.
type ConvertInput struct {
	FilePath string `json:"file_path" jsonschema:"path to the document file to convert"`
}

// ConvertOutput is the rag_convert tool's output schema: markdown text,
// matching the Python original's bare string return.
type ConvertOutput struct {
	Content string `json:"content"`
}

func (s *Server) handleConvert(ctx context.Context, _ *mcp.CallToolRequest, in ConvertInput) (*mcp.CallToolResult, ConvertOutput, error) {
	if in.FilePath == "" {
		return nil, ConvertOutput{}, invalidParams("file_path parameter is required")
	}

	// spec.md §6: "Unauthenticated (stdio) calls bypass path
	// restriction" — this server only speaks stdio, so the allowed-root
	// check below only ever applies the config's own known roots
	// (there is no per-user identity arriving over this transport to
	// translate the path backward for).
	if s.config != nil && !isUnderAllowedRoot(in.FilePath, allowedRoots(s.config)) {
		return nil, ConvertOutput{}, invalidParams("file is not accessible")
	}

	content, err := s.convertDocument(ctx, in.FilePath)
	if err != nil {
		return nil, ConvertOutput{}, err
	}
	return nil, ConvertOutput{Content: content}, nil
}

func (s *Server) convertDocument(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	sourceType := indexer.SourceTypeForExtension(ext)

	if sourceType == "markdown" || sourceType == "plaintext" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	if s.cache == nil {
		return "", invalidParams("document conversion cache is not available")
	}
	configHash, err := doccache.ConfigHash(s.config)
	if err != nil {
		return "", err
	}
	doc, err := s.cache.GetOrConvert(ctx, path, indexer.ExternalConverter, configHash)
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}

// allowedRoots returns every directory rag_convert is willing to serve a
// file from: home user directories, global paths, obsidian vaults,
// calibre libraries, and every repo in every code group — spec.md §6's
// "vault, library, repo, home, or global path".
func allowedRoots(cfg *config.Config) []string {
	var roots []string
	if cfg.Home != "" {
		for username := range cfg.Users {
			roots = append(roots, filepath.Join(cfg.Home, username))
		}
	}
	roots = append(roots, cfg.GlobalPaths...)
	roots = append(roots, cfg.ObsidianVaults...)
	roots = append(roots, cfg.CalibreLibraries...)
	for _, repos := range cfg.CodeGroups {
		roots = append(roots, repos...)
	}
	return roots
}

// isUnderAllowedRoot reports whether path resolves to a location inside
// one of roots (spec.md §6's PathNotAllowed check).
func isUnderAllowedRoot(path string, roots []string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = real
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
