package history

import "time"

// State is the lifecycle of a spawn record.
type State string

const (
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateExited      State = "exited"
	StateFailed      State = "failed"
	StateBusy        State = "busy"
	StateInterrupted State = "interrupted"
)

// Open reports whether the record still describes a live worker.
func (s State) Open() bool {
	return s == StateStarting || s == StateReady
}

// SpawnStart carries the fields known when a spawn begins. ServerPID names
// the daemon that owns the worker.
type SpawnStart struct {
	Directory   string
	ProjectRoot string
	CacheKey    string
	Nonce       string
	ServerPID   int
	StartedAt   time.Time
}

// Record is one journaled spawn.
type Record struct {
	ID          int64
	Directory   string
	ProjectRoot string
	CacheKey    string
	Nonce       string
	State       State
	ExitCode    *int
	WorkerPID   int
	ServerPID   int
	StartedAt   time.Time
	ReadyAt     *time.Time
	FinishedAt  *time.Time
}

// Duration reports how long the worker ran, or zero while it is open.
func (r Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
