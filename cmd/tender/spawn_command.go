package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tender/internal/ipc"
)

func newSpawnCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "spawn [dir]",
		Short: "Start the worker for a project and stream its startup output",
		Long: "Asks the running server to start the worker for the project containing dir\n" +
			"(default: the current directory). Output is streamed until the worker reports\n" +
			"ready or exits, and tender exits with the worker's status.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir, err := spawnDirectory(args)
			if err != nil {
				return err
			}

			client, err := ipc.Connect(cfg.Server.DiscoveryPath)
			if errors.Is(err, ipc.ErrServerNotRunning) {
				return &exitError{code: 1, message: "tender server is not running; start it with `tender start`"}
			}
			if err != nil {
				return err
			}
			defer client.Close()

			code, ok, err := client.Spawn(dir, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("spawn: %w", err)
			}
			if !ok {
				return &exitError{
					code:    1,
					message: "Connection closed without exit code. Please check the server log: " + serverLogPath(ctx),
				}
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

func spawnDirectory(args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		dir, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return dir, nil
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", args[0], err)
	}
	return dir, nil
}
