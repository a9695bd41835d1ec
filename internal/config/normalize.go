package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeServer(); err != nil {
		return err
	}
	c.normalizeWorker()
	if err := c.normalizeHistory(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeServer() error {
	if value, ok := os.LookupEnv("TENDER_SERVER_HOST"); ok && strings.TrimSpace(value) != "" {
		c.Server.Host = value
	}
	if value, ok := os.LookupEnv("TENDER_SERVER_PORT"); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("TENDER_SERVER_PORT: invalid port %q", value)
		}
		c.Server.Port = port
	}
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}

	var err error
	if strings.TrimSpace(c.Server.DiscoveryPath) == "" {
		c.Server.DiscoveryPath = defaultDiscoveryPath
	}
	if c.Server.DiscoveryPath, err = expandPath(c.Server.DiscoveryPath); err != nil {
		return fmt.Errorf("server.discovery_path: %w", err)
	}
	if strings.TrimSpace(c.Server.StateDir) == "" {
		c.Server.StateDir = defaultStateDir
	}
	if c.Server.StateDir, err = expandPath(c.Server.StateDir); err != nil {
		return fmt.Errorf("server.state_dir: %w", err)
	}
	if c.Server.LogDir, err = expandPath(c.Server.LogDir); err != nil {
		return fmt.Errorf("server.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorker() {
	command := make([]string, 0, len(c.Worker.Command))
	for _, arg := range c.Worker.Command {
		if len(command) == 0 && strings.TrimSpace(arg) == "" {
			continue
		}
		command = append(command, arg)
	}
	c.Worker.Command = command

	c.Worker.ManagedEnv = strings.TrimSpace(c.Worker.ManagedEnv)
	if c.Worker.ManagedEnv == "" {
		c.Worker.ManagedEnv = defaultManagedEnv
	}
	c.Worker.NonceEnv = strings.TrimSpace(c.Worker.NonceEnv)
	if c.Worker.NonceEnv == "" {
		c.Worker.NonceEnv = defaultNonceEnv
	}

	markers := make([]string, 0, len(c.Worker.ProjectMarkers))
	seen := make(map[string]struct{}, len(c.Worker.ProjectMarkers))
	for _, marker := range c.Worker.ProjectMarkers {
		trimmed := strings.TrimSpace(marker)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		markers = append(markers, trimmed)
	}
	c.Worker.ProjectMarkers = markers

	c.Worker.OnBusy = strings.ToLower(strings.TrimSpace(c.Worker.OnBusy))
	if c.Worker.OnBusy == "" {
		c.Worker.OnBusy = defaultOnBusy
	}
	if c.Worker.DrainTimeoutMS == 0 {
		c.Worker.DrainTimeoutMS = defaultDrainTimeoutMS
	}
	if c.Worker.PIDRetryDelayMS == 0 {
		c.Worker.PIDRetryDelayMS = defaultPIDRetryDelayMS
	}
	if c.Worker.LockPollIntervalMS == 0 {
		c.Worker.LockPollIntervalMS = defaultLockPollIntervalMS
	}
}

func (c *Config) normalizeHistory() error {
	if strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = filepath.Join(c.Server.StateDir, defaultHistoryFile)
		return nil
	}
	var err error
	if c.History.Path, err = expandPath(c.History.Path); err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
