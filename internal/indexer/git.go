package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aihaysteve/ragrun/internal/chunk"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/store"
)

// gitExcludePatterns is the literal exclusion list recovered from
// original_source/src/ragling/indexers/git_indexer.py: path components
// (directories, with a trailing slash) or exact filenames skipped by
// both the code and history passes.
var gitExcludePatterns = []string{
	".DS_Store", ".idea/", ".vscode/", "node_modules/", "__pycache__/",
	".mypy_cache/", ".pytest_cache/", ".tox/", "dist/", "build/",
	".egg-info/", "vendor/", ".terraform/", ".terraform.lock.hcl",
	"go.sum", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"Cargo.lock", "poetry.lock", "uv.lock", "cdk.out/",
}

func gitPathExcluded(relPath string) bool {
	rel := filepath.ToSlash(relPath)
	base := filepath.Base(rel)
	for _, pat := range gitExcludePatterns {
		if strings.HasSuffix(pat, "/") {
			dir := strings.TrimSuffix(pat, "/")
			if rel == dir || strings.HasPrefix(rel, dir+"/") || strings.Contains(rel, "/"+dir+"/") {
				return true
			}
		} else if base == pat {
			return true
		}
	}
	return isHidden(rel)
}

// gitExtToLang maps a source file extension to the language hint passed
// to the code chunker (spec.md §4.4.2).
var gitExtToLang = map[string]string{
	".go": "go", ".ts": "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript", ".py": "python",
}

// gitCodeChunker is shared across every repo indexed: the single-writer
// queue (spec.md §4.5) guarantees only one job runs at a time, so a
// shared tree-sitter-backed chunker never sees concurrent use.
var gitCodeChunker = chunk.NewCodeChunker()

// watermark is the JSON dict format original_source's git_indexer.py
// stores in a collection's description column: the last indexed commit
// SHA per repo path, keyed so one code-group collection can track
// several repos sharing it. Legacy stores that predate the dict format
// wrote a bare SHA string directly as description; readWatermark falls
// back to treating that as {repoPath: sha}.
type watermark map[string]string

func readWatermark(description, repoPath string) (watermark, string) {
	wm := watermark{}
	if description == "" {
		return wm, ""
	}
	if err := json.Unmarshal([]byte(description), &wm); err == nil {
		return wm, wm[repoPath]
	}
	wm[repoPath] = description
	return wm, description
}

func encodeWatermark(wm watermark) string {
	b, err := json.Marshal(wm)
	if err != nil {
		return ""
	}
	return string(b)
}

type gitCommit struct {
	SHA, Short, Date, Subject string
}

// GitIndexer implements queue.Indexer for IndexerCode jobs submitted
// directly (e.g. by startup sync) rather than discovered beneath a
// project root; it delegates to the same code that ProjectIndexer uses
// for a discovered repo subtree.
type GitIndexer struct {
	Deps   *Deps
	Logger *slog.Logger

	proj *ProjectIndexer
}

// NewGitIndexer builds a GitIndexer over deps.
func NewGitIndexer(deps *Deps, logger *slog.Logger) *GitIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitIndexer{Deps: deps, Logger: logger, proj: NewProjectIndexer(deps, logger)}
}

// Index implements queue.Indexer. job.Path is the repo root; job.CollectionName
// is the (code-group) collection it belongs to.
func (g *GitIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	codeRes, err := g.proj.indexSubRepo(ctx, job.Path, job.CollectionName, job.Force)
	if err != nil {
		return queue.Result{}, err
	}
	docRes, err := g.proj.indexRepoDocuments(ctx, job.Path, job.CollectionName, job.Force)
	if err != nil {
		g.Logger.Warn("repo document indexing failed", "repo", job.Path, "error", err)
		return codeRes, nil
	}
	return mergeResults(codeRes, docRes), nil
}

// indexSubRepo runs the two-pass git indexer (code blocks, then optional
// commit history) against a discovered repo root, storing results under
// collectionName — grounded on
// original_source/src/ragling/indexers/git_indexer.py's
// GitRepoIndexer.index().
func (p *ProjectIndexer) indexSubRepo(ctx context.Context, repoPath, collectionName string, force bool) (queue.Result, error) {
	collectionID, err := p.Deps.Store.GetOrCreateCollection(ctx, collectionName, store.CollectionCode)
	if err != nil {
		return queue.Result{}, err
	}

	res, err := p.indexRepoCodeBlocks(ctx, repoPath, collectionID, force)
	if err != nil {
		return queue.Result{}, err
	}

	if p.Deps.Config.GitHistoryInMonths > 0 {
		histRes, err := p.indexRepoHistory(ctx, repoPath, collectionName, collectionID, force)
		if err != nil {
			p.Logger.Warn("git history indexing failed", "repo", repoPath, "error", err)
		} else {
			res = mergeResults(res, histRes)
		}
	}

	pruned, err := p.Deps.Store.PruneStaleSources(ctx, collectionID)
	if err == nil {
		res.Pruned += pruned
	}
	p.Logger.Info("git repo indexed", "repo", repoPath, "collection", collectionName,
		"indexed", res.Indexed, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

// indexRepoDocuments indexes the non-code documents (README, docs/*.md,
// etc.) living alongside a git repo's source tree into the same
// collection, reusing ProjectIndexer's flat-file pipeline.
func (p *ProjectIndexer) indexRepoDocuments(ctx context.Context, repoPath, collectionName string, force bool) (queue.Result, error) {
	collectionID, err := p.Deps.Store.GetOrCreateCollection(ctx, collectionName, store.CollectionCode)
	if err != nil {
		return queue.Result{}, err
	}

	var files []string
	_ = filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == repoPath {
			return nil
		}
		rel, _ := filepath.Rel(repoPath, path)
		if d.IsDir() {
			if gitPathExcluded(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if gitPathExcluded(rel) {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, isCode := gitExtToLang[ext]; isCode {
			return nil // handled by indexRepoCodeBlocks
		}
		if IsSupportedExtension(ext) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)

	res := p.indexFiles(ctx, files, collectionID, force)
	return res, nil
}

// collectCodeFiles walks repoPath for files with a recognised code
// extension, skipping anything matched by gitExcludePatterns.
func collectCodeFiles(repoPath string) []string {
	var files []string
	_ = filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == repoPath {
			return nil
		}
		rel, _ := filepath.Rel(repoPath, path)
		if d.IsDir() {
			if gitPathExcluded(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if gitPathExcluded(rel) {
			return nil
		}
		if _, ok := gitExtToLang[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

// indexRepoCodeBlocks chunks each recognised source file via the
// tree-sitter-backed code chunker and upserts one source row per file,
// matching original_source's _code_blocks_to_chunks / per-file source
// granularity.
func (p *ProjectIndexer) indexRepoCodeBlocks(ctx context.Context, repoPath string, collectionID int64, force bool) (queue.Result, error) {
	files := collectCodeFiles(repoPath)
	res := queue.Result{TotalFound: len(files)}

	for _, abs := range files {
		h, err := fileHash(abs)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", abs, err))
			continue
		}

		if !force {
			var existingHash *string
			row := p.Deps.Store.DB().QueryRowContext(ctx,
				`SELECT file_hash FROM sources WHERE collection_id = ? AND source_path = ?`, collectionID, abs)
			if err := row.Scan(&existingHash); err == nil && existingHash != nil && *existingHash == h {
				res.Skipped++
				continue
			}
		}

		raw, err := os.ReadFile(abs)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", abs, err))
			continue
		}
		rel, _ := filepath.Rel(repoPath, abs)
		lang := gitExtToLang[strings.ToLower(filepath.Ext(abs))]

		chunks, err := gitCodeChunker.Chunk(ctx, &chunk.FileInput{Path: rel, Content: raw, Language: lang})
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", abs, err))
			continue
		}
		if len(chunks) == 0 {
			res.SkippedEmpty++
			continue
		}

		inputs, texts := chunkInputsForCode(chunks)
		vectors, err := embedAll(ctx, p.Deps.Embedder, texts)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", abs, err))
			continue
		}

		info, err := os.Stat(abs)
		if err != nil {
			res.Errors++
			continue
		}
		mtime := info.ModTime().UTC()

		if _, err := p.Deps.Store.UpsertSourceWithChunks(ctx, collectionID, abs, "code", inputs, vectors, &h, &mtime); err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", abs, err))
			continue
		}
		res.Indexed++
	}
	return res, nil
}

// chunkInputsForCode is chunkInputsFromChunks plus the language/line-range
// fields the code chunker captures outside Chunk.Metadata.
func chunkInputsForCode(chunks []*chunk.Chunk) ([]store.ChunkInput, []string) {
	inputs := make([]store.ChunkInput, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]any, len(c.Metadata)+3)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		meta["language"] = c.Language
		meta["start_line"] = c.StartLine
		meta["end_line"] = c.EndLine
		inputs[i] = store.ChunkInput{ChunkIndex: i, Title: c.FilePath, Content: c.Content, Metadata: meta}
		texts[i] = c.Content
	}
	return inputs, texts
}

// indexRepoHistory indexes commit history since the stored watermark (or
// the config's history window, on first run), one virtual source per
// commit with one chunk per changed file — grounded on
// original_source/src/ragling/indexers/git_indexer.py's
// GitRepoIndexer._index_history / _commit_to_chunks.
func (p *ProjectIndexer) indexRepoHistory(ctx context.Context, repoPath, collectionName string, collectionID int64, force bool) (queue.Result, error) {
	repoName := filepath.Base(repoPath)

	wm := watermark{}
	watermarkSHA := ""
	if coll, ok, err := p.Deps.Store.GetCollectionByName(ctx, collectionName); err == nil && ok {
		wm, watermarkSHA = readWatermark(coll.Description, repoPath)
	}

	if force {
		watermarkSHA = ""
		if err := p.deleteCommitSources(ctx, collectionID, repoPath); err != nil {
			p.Logger.Warn("failed to clear existing commit sources for force reindex", "repo", repoPath, "error", err)
		}
	}

	commits, err := gitCommitsSince(ctx, repoPath, p.Deps.Config.GitHistoryInMonths, watermarkSHA)
	if err != nil {
		return queue.Result{}, err
	}

	res := queue.Result{TotalFound: len(commits)}
	newestSHA := watermarkSHA

	for _, c := range commits {
		if blacklisted(c.Subject, p.Deps.Config.GitCommitSubjectBlacklist) {
			res.Skipped++
			newestSHA = c.SHA
			continue
		}

		changed, err := gitChangedFiles(ctx, repoPath, c.SHA)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", c.Short, err))
			continue
		}

		var chunks []*chunk.Chunk
		for _, f := range changed {
			if gitPathExcluded(f) {
				continue
			}
			diff, err := gitFileDiff(ctx, repoPath, c.SHA, f)
			if err != nil || strings.TrimSpace(diff) == "" {
				continue
			}
			text := fmt.Sprintf("[%s/%s] [commit: %s] [%s]\n%s\n\n%s", repoName, f, c.Short, c.Date, c.Subject, diff)
			chunks = append(chunks, &chunk.Chunk{
				ID:          generateWindowChunkID(c.SHA, len(chunks)),
				FilePath:    f,
				Content:     text,
				ContentType: chunk.ContentTypeText,
				Metadata:    map[string]string{"commit": c.SHA, "commit_short": c.Short, "file": f, "date": c.Date},
				CreatedAt:   nowUTC(),
				UpdatedAt:   nowUTC(),
			})
		}

		newestSHA = c.SHA
		if len(chunks) == 0 {
			res.SkippedEmpty++
			continue
		}

		inputs, texts := chunkInputsFromChunks(chunks)
		vectors, err := embedAll(ctx, p.Deps.Embedder, texts)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", c.Short, err))
			continue
		}

		sourcePath := fmt.Sprintf("git://%s#%s", repoPath, c.SHA)
		if _, err := p.Deps.Store.UpsertSourceWithChunks(ctx, collectionID, sourcePath, "commit", inputs, vectors, nil, nil); err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", c.Short, err))
			continue
		}
		res.Indexed++
	}

	wm[repoPath] = newestSHA
	if _, err := p.Deps.Store.DB().ExecContext(ctx,
		`UPDATE collections SET description = ? WHERE id = ?`, encodeWatermark(wm), collectionID); err != nil {
		p.Logger.Warn("failed to persist git watermark", "repo", repoPath, "error", err)
	}

	return res, nil
}

// deleteCommitSources removes every "git://<repoPath>#..." source
// row in collectionID, used before a force reindex rebuilds history from
// scratch.
func (p *ProjectIndexer) deleteCommitSources(ctx context.Context, collectionID int64, repoPath string) error {
	rows, err := p.Deps.Store.DB().QueryContext(ctx,
		`SELECT source_path FROM sources WHERE collection_id = ? AND source_type = 'commit' AND source_path LIKE ?`,
		collectionID, fmt.Sprintf("git://%s#%%", repoPath))
	if err != nil {
		return err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		paths = append(paths, p)
	}
	rows.Close()

	for _, sp := range paths {
		if _, err := p.Deps.Store.DeleteSource(ctx, collectionID, sp); err != nil {
			return err
		}
	}
	return nil
}

func blacklisted(subject string, patterns []string) bool {
	for _, pat := range patterns {
		if pat != "" && strings.HasPrefix(subject, pat) {
			return true
		}
	}
	return false
}

// runGit shells out to the git CLI in repoPath, matching
// original_source's subprocess.run(["git", ...]) approach (see
// DESIGN.md's justification for os/exec over a go-git dependency).
func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// gitCommitsSince lists commits in repoPath newer than watermarkSHA (or,
// on first run, within historyMonths), oldest first so the watermark can
// advance monotonically as each commit is indexed.
func gitCommitsSince(ctx context.Context, repoPath string, historyMonths int, watermarkSHA string) ([]gitCommit, error) {
	rangeArg := "HEAD"
	args := []string{"log", "--pretty=format:%H\x1f%h\x1f%aI\x1f%s"}
	if watermarkSHA != "" {
		rangeArg = watermarkSHA + "..HEAD"
	} else if historyMonths > 0 {
		args = append(args, fmt.Sprintf("--since=%d months ago", historyMonths))
	}
	args = append(args, rangeArg)

	out, err := runGit(ctx, repoPath, args...)
	if err != nil {
		return nil, err
	}

	var commits []gitCommit
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x1f", 4)
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, gitCommit{SHA: parts[0], Short: parts[1], Date: parts[2], Subject: parts[3]})
	}
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, sc.Err()
}

func gitChangedFiles(ctx context.Context, repoPath, sha string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "show", "--name-only", "--pretty=format:", sha)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// gitMaxDiffChars bounds the per-file diff text folded into a commit
// chunk so a single huge generated-file commit can't blow out the
// embedding batch.
const gitMaxDiffChars = 4000

func gitFileDiff(ctx context.Context, repoPath, sha, file string) (string, error) {
	out, err := runGit(ctx, repoPath, "show", "--no-color", "--unified=3", sha, "--", file)
	if err != nil {
		return "", err
	}
	if len(out) > gitMaxDiffChars {
		out = out[:gitMaxDiffChars] + "\n...(truncated)"
	}
	return out, nil
}
