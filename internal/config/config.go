// Package config loads and validates ragrun's configuration: built-in
// defaults, overridden by a user config file, overridden by a project-local
// file, overridden by RAGRUN_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SearchDefaults holds the default hybrid-search fusion parameters.
type SearchDefaults struct {
	TopK         int     `yaml:"top_k"`
	RRFK         int     `yaml:"rrf_k"`
	VectorWeight float64 `yaml:"vector_weight"`
	FTSWeight    float64 `yaml:"fts_weight"`
}

// EnrichmentConfig toggles which doc-cache converter enrichments are
// enabled. The converter itself is external (spec.md §1); these flags only
// participate in the config_hash the doc cache keys conversions by, so
// flipping one invalidates cached conversions without this module needing
// to implement the converter.
type EnrichmentConfig struct {
	ImageDescription bool `yaml:"image_description"`
	CodeEnrichment   bool `yaml:"code_enrichment"`
	FormulaEnrichment bool `yaml:"formula_enrichment"`
	TableStructure   bool `yaml:"table_structure"`
}

// AsrConfig configures the (external) speech-to-text collaborator used by
// sources with audio attachments. Carried per SPEC_FULL.md's "Enrichment/
// ASR config surface" even though ASR itself is out of scope.
type AsrConfig struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language,omitempty"`
}

// UserConfig is per-user access control for the tool server: an API key,
// the system collections visible to that user, and path mappings used to
// translate between the caller's view of a path and the host's view.
type UserConfig struct {
	APIKey            string            `yaml:"api_key"`
	SystemCollections []string          `yaml:"system_collections,omitempty"`
	PathMappings      map[string]string `yaml:"path_mappings,omitempty"`
}

// String masks the API key so it never leaks into a log line via %v or %s.
func (u UserConfig) String() string {
	return fmt.Sprintf("UserConfig(api_key=****, system_collections=%v, path_mappings=%v)",
		u.SystemCollections, u.PathMappings)
}

// LogValue implements slog.LogValuer for the same reason as String.
func (u UserConfig) LogValue() slog.Value { return slog.StringValue(u.String()) }

// Config is the full application configuration. Zero-value fields are
// filled in by Defaults() and then selectively overridden by Load.
type Config struct {
	DBPath               string            `yaml:"db_path"`
	EmbeddingModel        string            `yaml:"embedding_model"`
	EmbeddingDimensions    int               `yaml:"embedding_dimensions"`
	ChunkSizeTokens       int               `yaml:"chunk_size_tokens"`
	ChunkOverlapTokens    int               `yaml:"chunk_overlap_tokens"`
	ObsidianVaults        []string          `yaml:"obsidian_vaults,omitempty"`
	ObsidianExcludeFolders []string         `yaml:"obsidian_exclude_folders,omitempty"`
	MailStorePath         string            `yaml:"mail_store_path,omitempty"`
	CalibreLibraries      []string          `yaml:"calibre_libraries,omitempty"`
	RSSStorePath          string            `yaml:"rss_store_path,omitempty"`
	CodeGroups            map[string][]string `yaml:"code_groups,omitempty"`
	DisabledCollections   []string          `yaml:"disabled_collections,omitempty"`
	GitHistoryInMonths    int               `yaml:"git_history_in_months"`
	GitCommitSubjectBlacklist []string      `yaml:"git_commit_subject_blacklist,omitempty"`
	SearchDefaults        SearchDefaults    `yaml:"search_defaults"`
	ASR                   AsrConfig         `yaml:"asr"`
	Enrichments           EnrichmentConfig  `yaml:"enrichments"`
	SharedDocCachePath    string            `yaml:"shared_doc_cache_path"`
	GroupName             string            `yaml:"group_name"`
	GroupDBDir            string            `yaml:"group_db_dir"`
	Home                  string            `yaml:"home,omitempty"`
	GlobalPaths           []string          `yaml:"global_paths,omitempty"`
	Users                 map[string]UserConfig `yaml:"users,omitempty"`
	EmbeddingHost         string            `yaml:"embedding_host,omitempty"`
	LogLevel              string            `yaml:"log_level"`
}

// GroupIndexDBPath is the path to this group's per-group index database,
// matching original_source/src/ragling/config.py's group_index_db_path
// property.
func (c *Config) GroupIndexDBPath() string {
	return filepath.Join(c.GroupDBDir, c.GroupName, "index.db")
}

// IsCollectionEnabled reports whether name is not in DisabledCollections.
func (c *Config) IsCollectionEnabled(name string) bool {
	for _, d := range c.DisabledCollections {
		if d == name {
			return false
		}
	}
	return true
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".ragrun")
}

// Defaults returns the built-in configuration before any file or
// environment overrides are applied.
func Defaults() *Config {
	dir := defaultConfigDir()
	return &Config{
		DBPath:             filepath.Join(dir, "rag.db"),
		EmbeddingModel:     "bge-m3",
		EmbeddingDimensions: 1024,
		ChunkSizeTokens:    256,
		ChunkOverlapTokens: 50,
		GitHistoryInMonths: 6,
		SearchDefaults: SearchDefaults{
			TopK:         10,
			RRFK:         60,
			VectorWeight: 0.7,
			FTSWeight:    0.3,
		},
		ASR: AsrConfig{Model: "small"},
		Enrichments: EnrichmentConfig{
			ImageDescription:  true,
			CodeEnrichment:    true,
			FormulaEnrichment: true,
			TableStructure:    true,
		},
		SharedDocCachePath: filepath.Join(dir, "doc_store.sqlite"),
		GroupName:          "default",
		GroupDBDir:         filepath.Join(dir, "groups"),
		EmbeddingHost:      "http://localhost:11434",
		LogLevel:           "info",
	}
}

// DefaultUserConfigPath returns ~/.ragrun/config.yaml (or $XDG_CONFIG_HOME
// equivalent), mirroring the teacher's GetUserConfigPath convention.
func DefaultUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragrun", "config.yaml")
	}
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// Load builds a Config via the four-tier precedence: defaults, user config
// file, projectDir's local override file (.ragrun.yaml / .ragrun.yml) if
// projectDir is non-empty, then RAGRUN_* environment variables. The result
// is validated before being returned.
func Load(projectDir string) (*Config, error) {
	cfg := Defaults()

	if path := DefaultUserConfigPath(); fileExists(path) {
		if err := mergeYAMLFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading user config %s: %w", path, err)
		}
	}

	if projectDir != "" {
		for _, name := range []string{".ragrun.yaml", ".ragrun.yml"} {
			path := filepath.Join(projectDir, name)
			if fileExists(path) {
				if err := mergeYAMLFile(cfg, path); err != nil {
					return nil, fmt.Errorf("loading project config %s: %w", path, err)
				}
				break
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// applyEnvOverrides reads RAGRUN_* environment variables, matching the
// teacher's AMANMCP_* convention but for this domain's knobs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RAGRUN_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("RAGRUN_EMBEDDING_HOST"); v != "" {
		cfg.EmbeddingHost = v
	}
	if v := os.Getenv("RAGRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RAGRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RAGRUN_GROUP_NAME"); v != "" {
		cfg.GroupName = v
	}
	if v := os.Getenv("RAGRUN_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SearchDefaults.VectorWeight = f
		}
	}
	if v := os.Getenv("RAGRUN_FTS_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SearchDefaults.FTSWeight = f
		}
	}
	if v := os.Getenv("RAGRUN_RRF_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SearchDefaults.RRFK = n
		}
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	w := c.SearchDefaults.VectorWeight + c.SearchDefaults.FTSWeight
	if w < 0.99 || w > 1.01 {
		return fmt.Errorf("search_defaults: vector_weight + fts_weight must sum to 1.0, got %v", w)
	}
	if c.SearchDefaults.VectorWeight < 0 || c.SearchDefaults.FTSWeight < 0 {
		return fmt.Errorf("search_defaults: weights must be non-negative")
	}
	if c.SearchDefaults.RRFK <= 0 {
		return fmt.Errorf("search_defaults: rrf_k must be positive")
	}
	if c.ChunkSizeTokens <= 0 {
		return fmt.Errorf("chunk_size_tokens must be positive")
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkSizeTokens {
		return fmt.Errorf("chunk_overlap_tokens must be non-negative and less than chunk_size_tokens")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug/info/warn/error", c.LogLevel)
	}
	for name, u := range c.Users {
		if u.APIKey == "" {
			return fmt.Errorf("user %q is missing required api_key", name)
		}
	}
	return nil
}
