package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/config"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		owner      string
		limit      int
		showArgv   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions",
		Long:  "Prints recent executions from the audit log, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, closeDB, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			return runHistory(cmd.Context(), cmd.OutOrStdout(), store, owner, limit, showArgv)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Splicer config file")
	cmd.Flags().StringVar(&owner, "owner", "", "only show executions for this owner (platform:user)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of executions to show")
	cmd.Flags().BoolVar(&showArgv, "argv", false, "include the (redacted) command line")
	return cmd
}

func runHistory(ctx context.Context, out io.Writer, store *audit.Store, owner string, limit int, showArgv bool) error {
	execs, err := store.Recent(ctx, owner, limit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(out, "No executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := "ID\tWHEN\tOWNER\tKIND\tEXIT\tFILES\tOUTPUT\tDURATION"
	if showArgv {
		header += "\tARGV"
	}
	fmt.Fprintln(w, header)
	for _, e := range execs {
		exit := fmt.Sprintf("%d", e.ExitCode)
		if e.Signal != "" {
			exit = e.Signal
		}
		line := fmt.Sprintf("%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s",
			e.ID,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Owner,
			e.Kind,
			exit,
			e.Files,
			formatSize(e.OutputBytes),
			(time.Duration(e.DurationMS) * time.Millisecond).String(),
		)
		if showArgv {
			argv, err := e.ArgvList()
			if err != nil {
				argv = []string{"?"}
			}
			line += "\t" + strings.Join(argv, " ")
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

// formatSize renders a byte count with a binary unit, or "-" for zero.
func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
