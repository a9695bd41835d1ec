package testsupport

import (
	"path/filepath"
	"testing"

	"tender/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The worker command defaults to a stub that completes the handshake and
// exits shortly after.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Server.Host = "127.0.0.1"
	cfgVal.Server.Port = 0
	cfgVal.Server.StateDir = filepath.Join(base, "state")
	cfgVal.Server.LogDir = filepath.Join(base, "logs")
	cfgVal.Server.DiscoveryPath = filepath.Join(base, "server.json")
	cfgVal.History.Path = filepath.Join(base, "state", "history.db")
	cfgVal.Worker.DrainTimeoutMS = 100
	cfgVal.Worker.PIDRetryDelayMS = 10
	cfgVal.Worker.LockPollIntervalMS = 20

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	builder.cfg.Worker.Command = []string{WriteWorkerScript(t, filepath.Join(base, "bin"), HandshakeScript)}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithWorkerScript replaces the worker command with a shell script body.
func WithWorkerScript(body string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.Command = []string{WriteWorkerScript(b.t, filepath.Join(b.baseDir, "bin"), body)}
	}
}

// WithWorkerCommand sets the worker argv verbatim.
func WithWorkerCommand(argv ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.Command = argv
	}
}

// WithOnBusy sets the lock contention policy.
func WithOnBusy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.OnBusy = policy
	}
}

// WithHistoryDisabled turns off the spawn journal.
func WithHistoryDisabled() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.History.Enabled = false
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Server.StateDir)
}
