package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains listener, discovery and on-disk state locations.
type Server struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	DiscoveryPath string `toml:"discovery_path"`
	StateDir      string `toml:"state_dir"`
	LogDir        string `toml:"log_dir"`
}

// Worker describes the external worker command and its handshake contract.
type Worker struct {
	// Command is the argv of the worker; Command[0] is resolved through PATH.
	Command []string `toml:"command"`
	// ManagedEnv is set to "true" in the worker environment.
	ManagedEnv string `toml:"managed_env"`
	// NonceEnv carries the per-spawn handshake nonce.
	NonceEnv string `toml:"nonce_env"`
	// HandshakePrefix is prepended to the nonce to form the stdout marker.
	HandshakePrefix string `toml:"handshake_prefix"`
	// ProjectMarkers are file names that identify a project root.
	ProjectMarkers []string `toml:"project_markers"`
	// OnBusy selects the behavior when the project already has a worker: wait or report.
	OnBusy             string `toml:"on_busy"`
	DrainTimeoutMS     int    `toml:"drain_timeout_ms"`
	PIDRetryDelayMS    int    `toml:"pid_retry_delay_ms"`
	LockPollIntervalMS int    `toml:"lock_poll_interval_ms"`
}

// History controls the SQLite spawn journal.
type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for tender.
//
// Configuration sections by subsystem:
//   - Server: bind address, discovery record, state and log directories
//   - Worker: worker argv, environment contract, lock and drain timing
//   - History: spawn journal persistence
//   - Logging: log format and level
type Config struct {
	Server  Server  `toml:"server"`
	Worker  Worker  `toml:"worker"`
	History History `toml:"history"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tender.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state, lock, log and discovery directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Server.StateDir,
		c.LockDir(),
		c.RunDir(),
		c.Server.LogDir,
		filepath.Dir(c.Server.DiscoveryPath),
	}
	if c.History.Enabled {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockDir holds one advisory lock file per project cache key.
func (c *Config) LockDir() string {
	return filepath.Join(c.Server.StateDir, "locks")
}

// RunDir holds the per-project scratch directories containing PID files.
func (c *Config) RunDir() string {
	return filepath.Join(c.Server.StateDir, "run")
}

// Address returns the host:port listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DrainTimeout bounds how long a worker's pipes are drained after it exits.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Worker.DrainTimeoutMS) * time.Millisecond
}

// PIDRetryDelay is the fixed delay between PID file write attempts.
func (c *Config) PIDRetryDelay() time.Duration {
	return time.Duration(c.Worker.PIDRetryDelayMS) * time.Millisecond
}

// LockPollInterval is the fixed delay between lock acquisition attempts.
func (c *Config) LockPollInterval() time.Duration {
	return time.Duration(c.Worker.LockPollIntervalMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
