package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"tender/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantDiscovery := filepath.Join(tempHome, ".tender", "server.json")
	if cfg.Server.DiscoveryPath != wantDiscovery {
		t.Fatalf("unexpected discovery path: got %q want %q", cfg.Server.DiscoveryPath, wantDiscovery)
	}
	wantState := filepath.Join(tempHome, ".local", "state", "tender")
	if cfg.Server.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Server.StateDir, wantState)
	}
	if cfg.History.Path != filepath.Join(wantState, "history.db") {
		t.Fatalf("unexpected history path: %q", cfg.History.Path)
	}
	if cfg.LockDir() != filepath.Join(wantState, "locks") {
		t.Fatalf("unexpected lock dir: %q", cfg.LockDir())
	}
	if cfg.Address() != "127.0.0.1:0" {
		t.Fatalf("unexpected address: %q", cfg.Address())
	}
	if cfg.Worker.OnBusy != config.OnBusyWait {
		t.Fatalf("expected on_busy wait by default, got %q", cfg.Worker.OnBusy)
	}
	if cfg.Worker.HandshakePrefix != "tender-nonce:" {
		t.Fatalf("unexpected handshake prefix: %q", cfg.Worker.HandshakePrefix)
	}
	if got := strings.Join(cfg.Worker.Command, " "); got != "rubocop --start-server" {
		t.Fatalf("unexpected worker command: %q", got)
	}
	if cfg.DrainTimeout().Milliseconds() != 500 {
		t.Fatalf("unexpected drain timeout: %v", cfg.DrainTimeout())
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(tempHome, "config.toml")
	payload := struct {
		Server struct {
			Port     int    `toml:"port"`
			StateDir string `toml:"state_dir"`
		} `toml:"server"`
		Worker struct {
			Command        []string `toml:"command"`
			OnBusy         string   `toml:"on_busy"`
			ProjectMarkers []string `toml:"project_markers"`
		} `toml:"worker"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}{}
	payload.Server.Port = 7311
	payload.Server.StateDir = "~/state"
	payload.Worker.Command = []string{"/usr/bin/worker", "--serve"}
	payload.Worker.OnBusy = "REPORT"
	payload.Worker.ProjectMarkers = []string{" go.mod ", "go.mod", ""}
	payload.Logging.Format = "JSON"

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be detected")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Server.Port != 7311 {
		t.Fatalf("unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Server.StateDir != filepath.Join(tempHome, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Server.StateDir)
	}
	if cfg.Worker.OnBusy != config.OnBusyReport {
		t.Fatalf("expected on_busy normalized to report, got %q", cfg.Worker.OnBusy)
	}
	if len(cfg.Worker.ProjectMarkers) != 1 || cfg.Worker.ProjectMarkers[0] != "go.mod" {
		t.Fatalf("unexpected project markers: %v", cfg.Worker.ProjectMarkers)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
	if cfg.Worker.NonceEnv != "TENDER_STARTING_NONCE" {
		t.Fatalf("expected default nonce env, got %q", cfg.Worker.NonceEnv)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TENDER_SERVER_HOST", "localhost")
	t.Setenv("TENDER_SERVER_PORT", "9100")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address() != "localhost:9100" {
		t.Fatalf("unexpected address: %q", cfg.Address())
	}
}

func TestLoadRejectsInvalidPortOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TENDER_SERVER_PORT", "not-a-port")

	if _, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for invalid port override")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"empty command", func(c *config.Config) { c.Worker.Command = nil }, "worker.command"},
		{"port too high", func(c *config.Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative port", func(c *config.Config) { c.Server.Port = -1 }, "server.port"},
		{"unknown on_busy", func(c *config.Config) { c.Worker.OnBusy = "queue" }, "worker.on_busy"},
		{"negative drain", func(c *config.Config) { c.Worker.DrainTimeoutMS = -5 }, "worker.drain_timeout_ms"},
		{"same env names", func(c *config.Config) { c.Worker.NonceEnv = c.Worker.ManagedEnv }, "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Worker.LockPollIntervalMS != 200 {
		t.Fatalf("unexpected lock poll interval: %d", cfg.Worker.LockPollIntervalMS)
	}
}

func TestEnsureDirectoriesCreatesLayout(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Server.StateDir = filepath.Join(base, "state")
	cfg.Server.LogDir = filepath.Join(base, "logs")
	cfg.Server.DiscoveryPath = filepath.Join(base, "disc", "server.json")
	cfg.History.Path = filepath.Join(base, "state", "history.db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.LockDir(), cfg.RunDir(), cfg.Server.LogDir, filepath.Join(base, "disc")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
