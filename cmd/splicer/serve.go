package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/config"
	"github.com/zulandar/splicer/internal/dashboard"
	"github.com/zulandar/splicer/internal/runner"
	"github.com/zulandar/splicer/internal/session"
	"github.com/zulandar/splicer/internal/telegraph"
	discordadapter "github.com/zulandar/splicer/internal/telegraph/discord"
	slackadapter "github.com/zulandar/splicer/internal/telegraph/slack"
	"github.com/zulandar/splicer/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot daemon",
		Long:  "Connects to the configured chat platform and serves sessions until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Splicer config file")
	return cmd
}

// lookPath resolves the media tool. Allows test override.
var lookPath = exec.LookPath

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := lookPath(cfg.Executor.Binary); err != nil {
		return fmt.Errorf("executor: %s not found: %w", cfg.Executor.Binary, err)
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, cleanup, err := assemble(cfg, adapter, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return daemon.Run(ctx)
}

// assemble builds the daemon and everything it runs. cleanup closes the
// audit database.
func assemble(cfg *config.Config, adapter telegraph.Adapter, out io.Writer) (*telegraph.Daemon, func(), error) {
	ws, err := workspace.NewManager(workspace.ManagerOpts{
		Root:         cfg.Workspace.Root,
		MaxBytes:     cfg.Workspace.MaxBytes,
		MaxFiles:     cfg.Workspace.MaxFiles,
		MaxFileBytes: cfg.Workspace.MaxFileBytes,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := session.NewEngine(session.EngineOpts{
		Store:      session.NewStore(nil),
		Workspaces: ws,
		Executor: &runner.Runner{
			Binary:       cfg.Executor.Binary,
			InputFlag:    cfg.Executor.InputFlag,
			Timeout:      cfg.Executor.Timeout,
			KillGrace:    cfg.Executor.KillGrace,
			DefaultExt:   cfg.Executor.DefaultExt,
			CaptureLimit: cfg.Executor.CaptureBytes,
		},
		IdleTimeout: cfg.Session.IdleTimeout,
		StopTimeout: cfg.Session.StopTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	store, closeDB, err := openAudit(cfg)
	if err != nil {
		return nil, nil, err
	}

	var services []telegraph.Service
	if cfg.Dashboard.Port > 0 {
		dash, err := dashboard.New(dashboard.Opts{
			Sessions:   engine,
			Executions: store,
			Bind:       cfg.Dashboard.Bind,
			Port:       cfg.Dashboard.Port,
			Out:        out,
		})
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		services = append(services, dash)
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Config:     cfg,
		Adapter:    adapter,
		Engine:     engine,
		Workspaces: ws,
		Audit:      store,
		Services:   services,
		Out:        out,
	})
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return daemon, closeDB, nil
}

// openAudit opens and migrates the execution log.
func openAudit(cfg *config.Config) (*audit.Store, func(), error) {
	db, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				log.Printf("splicer: close audit db: %v", err)
			}
		}
	}
	if err := audit.Migrate(db); err != nil {
		closeDB()
		return nil, nil, err
	}
	store, err := audit.NewStore(db)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return store, closeDB, nil
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Bot.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Bot.Slack.AppToken,
			BotToken:  cfg.Bot.Slack.BotToken,
			ChannelID: cfg.Bot.Channel,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Bot.Discord.BotToken,
			ChannelID: cfg.Bot.Channel,
		})
	default:
		return nil, fmt.Errorf("splicer: unsupported platform %q", cfg.Bot.Platform)
	}
}
