package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tender/internal/daemonctl"
	"tender/internal/daemonrun"
	"tender/internal/logging"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 5 * time.Second
)

func newServerCommands(ctx *commandContext) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch server in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{Version: version})
		},
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dispatch server in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			exe, err := serverExecutable()
			if err != nil {
				return err
			}
			opts := daemonctl.LaunchOptions{
				ConfigPath: ctx.flagConfigPath(),
				LogPath:    serverOutputPath(cfg.Server.LogDir),
			}
			result, err := daemonctl.EnsureStarted(cfg.Server.DiscoveryPath, exe, opts, startWaitTimeout)
			if err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Server started (pid %d, %s)\n", result.Server.PID, result.Server.Address())
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Server already running (pid %d)\n", result.Server.PID)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the dispatch server and every worker it manages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cfg.Server.DiscoveryPath, stopGracePeriod)
			if errors.Is(err, daemonctl.ErrServerNotRunning) {
				fmt.Fprintln(stdout, "Server is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Server did not exit in %s; killed pid %d\n", stopGracePeriod, result.PID)
			}
			fmt.Fprintln(stdout, "Server stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server and worker status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			snap, err := daemonctl.BuildStatus(cfg)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			for _, line := range renderStatus(snap, colorize) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}

	return []*cobra.Command{serveCmd, startCmd, stopCmd, statusCmd}
}

func serverExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

// serverOutputPath captures output written before the logger is up.
func serverOutputPath(logDir string) string {
	if logDir == "" {
		return ""
	}
	return filepath.Join(logDir, "server.out")
}

func serverLogPath(ctx *commandContext) string {
	path := logging.LogPath(ctx.configValue())
	if path == "" {
		return "(file logging disabled)"
	}
	return path
}
