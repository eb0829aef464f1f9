package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/output"
)

// initOptions holds CLI flags for init.
type initOptions struct {
	home        string
	globalPaths []string
	vaults      []string
	force       bool
}

func newInitCmd() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write a config.yaml with built-in defaults to the user config path
(ragrun config path), ready to be edited in place.

Examples:
  ragrun init
  ragrun init --home /srv/home --vault ~/notes --global-path /srv/shared`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.home, "home", "", "root directory containing one subdirectory per user")
	cmd.Flags().StringSliceVar(&opts.globalPaths, "global-path", nil, "path indexed into the shared 'global' collection (repeatable)")
	cmd.Flags().StringSliceVar(&opts.vaults, "vault", nil, "Obsidian vault root (repeatable)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, opts initOptions) error {
	out := output.New(cmd.OutOrStdout())
	path := config.DefaultUserConfigPath()

	if _, err := os.Stat(path); err == nil && !opts.force {
		return fmt.Errorf("config already exists at %s (pass --force to overwrite)", path)
	}

	cfg := config.Defaults()
	cfg.Home = opts.home
	cfg.GlobalPaths = opts.globalPaths
	cfg.ObsidianVaults = opts.vaults

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("init: built-in defaults failed validation: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("init: create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("init: create config file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("init: write config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("init: write config: %w", err)
	}

	out.Successf("wrote %s", path)
	out.Status("", "edit it to add obsidian_vaults, mail_store_path, calibre_libraries, rss_store_path, or code_groups")
	out.Status("", "then run 'ragrun serve' to start the tool server")
	return nil
}
