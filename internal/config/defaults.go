package config

const (
	defaultConfigPath         = "~/.config/tender/config.toml"
	defaultHost               = "127.0.0.1"
	defaultPort               = 0
	defaultDiscoveryPath      = "~/.tender/server.json"
	defaultStateDir           = "~/.local/state/tender"
	defaultLogDir             = "~/.local/share/tender/logs"
	defaultManagedEnv         = "TENDER_SERVER_PROCESS"
	defaultNonceEnv           = "TENDER_STARTING_NONCE"
	defaultHandshakePrefix    = "tender-nonce:"
	defaultOnBusy             = OnBusyWait
	defaultDrainTimeoutMS     = 500
	defaultPIDRetryDelayMS    = 100
	defaultLockPollIntervalMS = 200
	defaultHistoryFile        = "history.db"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// OnBusy policies for a spawn that finds the project lock held.
const (
	OnBusyWait   = "wait"
	OnBusyReport = "report"
)

var (
	defaultWorkerCommand  = []string{"rubocop", "--start-server"}
	defaultProjectMarkers = []string{"Gemfile", "gems.rb", ".tender-project"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Host:          defaultHost,
			Port:          defaultPort,
			DiscoveryPath: defaultDiscoveryPath,
			StateDir:      defaultStateDir,
			LogDir:        defaultLogDir,
		},
		Worker: Worker{
			Command:            append([]string(nil), defaultWorkerCommand...),
			ManagedEnv:         defaultManagedEnv,
			NonceEnv:           defaultNonceEnv,
			HandshakePrefix:    defaultHandshakePrefix,
			ProjectMarkers:     append([]string(nil), defaultProjectMarkers...),
			OnBusy:             defaultOnBusy,
			DrainTimeoutMS:     defaultDrainTimeoutMS,
			PIDRetryDelayMS:    defaultPIDRetryDelayMS,
			LockPollIntervalMS: defaultLockPollIntervalMS,
		},
		History: History{
			Enabled: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
