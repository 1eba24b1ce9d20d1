package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/splicer/internal/config"
	"github.com/zulandar/splicer/internal/workspace"
)

func newGCCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove orphaned workspaces",
		Long: "Removes workspace directories left behind by a crashed daemon. Run it while the daemon\n" +
			"is stopped, or pass --older-than to spare workspaces that may still be in use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Splicer config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only remove workspaces untouched for this long")
	return cmd
}

func runGC(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws, err := workspace.NewManager(workspace.ManagerOpts{
		Root:         cfg.Workspace.Root,
		MaxBytes:     cfg.Workspace.MaxBytes,
		MaxFiles:     cfg.Workspace.MaxFiles,
		MaxFileBytes: cfg.Workspace.MaxFileBytes,
	})
	if err != nil {
		return err
	}
	n, err := ws.Collect(nil, olderThan)
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d workspace(s) from %s\n", n, ws.Root())
	return err
}
