package gitignore

// DefaultGitExclusionPatterns is the literal exclusion list recovered from
// original_source/indexers/git_indexer.py: lock files, build outputs,
// dependency directories, and editor metadata that are excluded from code
// indexing regardless of whether the repository's own .gitignore mentions
// them.
var DefaultGitExclusionPatterns = []string{
	".DS_Store",
	".idea/",
	".vscode/",
	"node_modules/",
	"__pycache__/",
	".mypy_cache/",
	".pytest_cache/",
	".tox/",
	"dist/",
	"build/",
	".egg-info/",
	"vendor/",
	".terraform/",
	".terraform.lock.hcl",
	"go.sum",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"poetry.lock",
	"uv.lock",
	"cdk.out/",
}

// DefaultGitExclusions returns a Matcher pre-loaded with
// DefaultGitExclusionPatterns, to be checked ahead of (and in addition to)
// whatever a repository's own .gitignore excludes. The git indexer does not
// call it; it matches paths against its own gitExcludePatterns list.
func DefaultGitExclusions() *Matcher {
	m := New()
	for _, p := range DefaultGitExclusionPatterns {
		m.AddPattern(p)
	}
	return m
}
