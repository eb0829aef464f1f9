package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/embed"
	"github.com/aihaysteve/ragrun/internal/leader"
	"github.com/aihaysteve/ragrun/internal/output"
	"github.com/aihaysteve/ragrun/internal/store"
)

// minDoctorDiskSpaceBytes is the minimum free space ragrun needs at its
// index store's directory to keep indexing without running out of room.
const minDoctorDiskSpaceBytes = 100 * 1024 * 1024

// checkStatus is one diagnostic's outcome.
type checkStatus string

const (
	statusPass checkStatus = "pass"
	statusWarn checkStatus = "warn"
	statusFail checkStatus = "fail"
)

// checkResult is one `ragrun doctor` diagnostic.
type checkResult struct {
	Name     string      `json:"name"`
	Status   checkStatus `json:"status"`
	Message  string      `json:"message"`
	Required bool        `json:"required"`
}

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose config, index store, embedding service, and leader lock",
		Long: `Run a battery of checks that catch the usual reasons 'ragrun serve'
won't start: invalid configuration, an unreachable embedding service,
low disk space at the index store, or a lock file held by a stuck
process.

Examples:
  ragrun doctor
  ragrun doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	var results []checkResult

	cfg, cfgResult := checkConfig()
	results = append(results, cfgResult)

	if cfg != nil {
		results = append(results, checkDiskSpace(activeDBPath(cfg)))
		results = append(results, checkIndexStore(cfg))
		results = append(results, checkEmbeddingService(ctx, cfg))
		results = append(results, checkLeaderLock(cfg))
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	out := output.New(cmd.OutOrStdout())
	failed := false
	for _, r := range results {
		icon := "✅"
		switch r.Status {
		case statusWarn:
			icon = "⚠️ "
		case statusFail:
			icon = "❌"
			if r.Required {
				failed = true
			}
		}
		out.Statusf(icon, "%-18s %s", r.Name, r.Message)
	}
	if failed {
		return fmt.Errorf("doctor: one or more required checks failed")
	}
	return nil
}

func checkConfig() (*config.Config, checkResult) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, checkResult{Name: "config", Status: statusFail, Required: true, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, checkResult{Name: "config", Status: statusFail, Required: true, Message: err.Error()}
	}
	return cfg, checkResult{Name: "config", Status: statusPass, Required: true, Message: "valid"}
}

func checkDiskSpace(dbPath string) checkResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(dbPath), &stat); err != nil {
		return checkResult{Name: "disk_space", Status: statusWarn, Message: fmt.Sprintf("could not stat: %v", err)}
	}
	available := stat.Bavail * uint64(stat.Bsize)
	if available < minDoctorDiskSpaceBytes {
		return checkResult{Name: "disk_space", Status: statusFail, Required: true, Message: fmt.Sprintf("%s free, need 100 MB", formatDoctorBytes(available))}
	}
	return checkResult{Name: "disk_space", Status: statusPass, Message: fmt.Sprintf("%s free", formatDoctorBytes(available))}
}

func checkIndexStore(cfg *config.Config) checkResult {
	dbPath := activeDBPath(cfg)
	if err := ensureParentDir(dbPath); err != nil {
		return checkResult{Name: "index_store", Status: statusFail, Required: true, Message: err.Error()}
	}
	st, err := store.OpenIndexStore(dbPath, cfg.EmbeddingDimensions, cfg.EmbeddingModel)
	if err != nil {
		return checkResult{Name: "index_store", Status: statusFail, Required: true, Message: err.Error()}
	}
	defer st.Close()
	return checkResult{Name: "index_store", Status: statusPass, Message: fmt.Sprintf("reachable at %s", dbPath)}
}

func checkEmbeddingService(ctx context.Context, cfg *config.Config) checkResult {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := embed.NewHTTPClient(embed.HTTPConfig{
		Host:       cfg.EmbeddingHost,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	}, slog.Default())
	if _, err := client.Embed(pingCtx, []string{"ragrun doctor ping"}); err != nil {
		return checkResult{Name: "embedding_service", Status: statusFail, Required: true, Message: fmt.Sprintf("%s unreachable: %v", cfg.EmbeddingHost, err)}
	}
	return checkResult{Name: "embedding_service", Status: statusPass, Message: fmt.Sprintf("%s (%s) reachable", cfg.EmbeddingHost, cfg.EmbeddingModel)}
}

func checkLeaderLock(cfg *config.Config) checkResult {
	lockPath := leader.LockPathForConfig(cfg)
	lock := leader.New(lockPath)
	ok, err := lock.TryAcquire()
	if err != nil {
		return checkResult{Name: "leader_lock", Status: statusWarn, Message: err.Error()}
	}
	defer lock.Close()
	if ok {
		return checkResult{Name: "leader_lock", Status: statusPass, Message: fmt.Sprintf("%s free, this process could lead group %q", lockPath, cfg.GroupName)}
	}
	return checkResult{Name: "leader_lock", Status: statusPass, Message: fmt.Sprintf("%s held by another process (group %q already has a leader)", lockPath, cfg.GroupName)}
}

func formatDoctorBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/gb)
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/mb)
	default:
		return fmt.Sprintf("%.1f KB", float64(b)/kb)
	}
}

