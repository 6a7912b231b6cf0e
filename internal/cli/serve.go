package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/ledgersync/internal/api"
	"github.com/kimhsiao/ledgersync/internal/config"
	"github.com/kimhsiao/ledgersync/internal/logging"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop, the background trigger and the HTTP API",
		Long: `Run the orchestrator daemon.

Recovers items left in progress by a previous process, resumes unfinished
multi-step operations, then dispatches due work until interrupted. With
orchestrator.enabled=false the daemon accepts and persists work but does
not dispatch it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.Fail(err)
			}
			if addr != "" {
				cfg.API.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, out)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides api.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, out *OutputFormatter) error {
	app, err := openApp(ctx, cfg, true)
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "failed to open syncd", err))
	}
	defer app.Close()

	if err := app.Engine.Start(ctx); err != nil {
		return out.Fail(err)
	}

	bg, err := scheduler.NewScheduler(app.Engine, backgroundConfig(cfg, app.Engine.Mode()),
		scheduler.WithBackoff(cfg.Backoff()))
	if err != nil {
		return out.Fail(err)
	}
	bg.Start(ctx)
	defer bg.Stop()

	hubCfg := api.DefaultHubConfig()
	if cfg.Events.BufferSize > 0 {
		hubCfg.BufferSize = cfg.Events.BufferSize
	}
	server := api.NewServer(app.Engine,
		api.WithBackground(bg),
		api.WithHub(api.NewHub(app.Engine, hubCfg)),
	)

	logging.Info("syncd started", map[string]interface{}{
		"mode":      app.Engine.Mode().String(),
		"database":  cfg.Database.Path,
		"device_id": cfg.DeviceID,
		"addr":      cfg.API.Addr,
	})
	if err := server.ListenAndServe(ctx, cfg.API.Addr); err != nil {
		return out.Fail(err)
	}
	return nil
}

// backgroundConfig disables the background trigger when the engine cannot dispatch.
func backgroundConfig(cfg *config.Config, mode syncpkg.DispatchMode) scheduler.Config {
	bg := cfg.Background
	if mode == syncpkg.WriteOnly {
		bg.Enabled = false
	}
	return bg
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return out.Fail(err)
			}
			return out.Success(cfg, func(w io.Writer) {
				_ = yaml.NewEncoder(w).Encode(cfg)
			})
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)
			path := filepath.Clean(rootOpts.ConfigPath)
			if _, err := os.Stat(path); err == nil && !force {
				return out.Fail(WrapExitError(ExitCommandError, path+" already exists (use --force)", nil))
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return out.Fail(err)
			}
			return out.Success(map[string]string{"path": path}, nil)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, initCmd)
	return cmd
}
