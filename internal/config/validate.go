package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.DiscoveryPath) == "" {
		return errors.New("server.discovery_path must be set")
	}
	if strings.TrimSpace(c.Server.StateDir) == "" {
		return errors.New("server.state_dir must be set")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if len(c.Worker.Command) == 0 {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("worker.command must be set. Edit %s (create with 'tender config init')", defaultPath)
	}
	if c.Worker.ManagedEnv == c.Worker.NonceEnv {
		return errors.New("worker.managed_env and worker.nonce_env must differ")
	}
	switch c.Worker.OnBusy {
	case OnBusyWait, OnBusyReport:
	default:
		return fmt.Errorf("worker.on_busy must be %q or %q, got %q", OnBusyWait, OnBusyReport, c.Worker.OnBusy)
	}
	return ensurePositiveMap(map[string]int{
		"worker.drain_timeout_ms":      c.Worker.DrainTimeoutMS,
		"worker.pid_retry_delay_ms":    c.Worker.PIDRetryDelayMS,
		"worker.lock_poll_interval_ms": c.Worker.LockPollIntervalMS,
	})
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
