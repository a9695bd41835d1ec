package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tender/internal/config"
	"tender/internal/history"
	"tender/internal/ipc"
	"tender/internal/logging"
	"tender/internal/project"
	"tender/internal/supervisor"
)

// Options configures daemon process runtime behavior.
type Options struct {
	Version string
	// Logger overrides the config-derived logger.
	Logger *slog.Logger
	// Stdout and Stderr receive the echo of worker output. Nil means the
	// process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts the dispatch server and blocks until cmdCtx is cancelled or the
// process receives SIGINT or SIGTERM. Workers are killed on return.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewFromConfig(cfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}

	var journal supervisor.Journal
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Error("open history journal", logging.Error(err))
			return err
		}
		defer store.Close()
		journal = store

		if n, err := store.MarkInterrupted(signalCtx, project.IsPidAlive); err != nil {
			logging.WarnWithContext(logger, "failed to flag interrupted spawns", "history_recover_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "history may show stale running spawns"),
				logging.String(logging.FieldErrorHint, "check the history database permissions"))
		} else if n > 0 {
			logger.Info("flagged spawns left running by a previous server",
				logging.String(logging.FieldEventType, "history_recovered"),
				logging.Int64("count", n))
		}
	}

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	registry := project.NewRegistry(project.Options{
		LockDir:       cfg.LockDir(),
		RunDir:        cfg.RunDir(),
		PollInterval:  cfg.LockPollInterval(),
		PIDRetryDelay: cfg.PIDRetryDelay(),
		Logger:        logger,
	})
	supOpts := supervisor.OptionsFromConfig(cfg)
	supOpts.Stdout = stdout
	supOpts.Stderr = stderr
	supOpts.Journal = journal
	supOpts.Logger = logger
	sup, err := supervisor.New(signalCtx, project.NewResolver(cfg.Worker.ProjectMarkers), registry, supOpts)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	defer sup.Wait()

	srv, err := ipc.NewServer(signalCtx, ipc.Options{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		DiscoveryPath: cfg.Server.DiscoveryPath,
		Version:       opts.Version,
	}, sup, logger)
	if err != nil {
		return fmt.Errorf("start dispatch server: %w", err)
	}
	defer srv.Close()
	if err := srv.Serve(); err != nil {
		return fmt.Errorf("publish discovery record: %w", err)
	}

	logger.Info("tender server started",
		logging.String(logging.FieldEventType, "server_started"),
		logging.Int("pid", os.Getpid()),
		logging.String("version", opts.Version),
		logging.String("log_path", logging.LogPath(cfg)))

	<-signalCtx.Done()
	logger.Info("tender server shutting down")
	return nil
}
