package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"tender/internal/ipc"
	"tender/internal/project"
)

const pollInterval = 100 * time.Millisecond

// ErrServerNotRunning indicates no live server is published.
var ErrServerNotRunning = ipc.ErrServerNotRunning

// LaunchOptions controls server process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	// LogPath receives the detached process's stdout and stderr. Empty
	// discards them.
	LogPath string
}

// StartState reports whether EnsureStarted launched a server or found one.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures server start orchestration state.
type StartResult struct {
	State  StartState
	Server ipc.ServerConfig
}

// StopResult captures server stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Launch starts a detached `tender serve` in its own session.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"serve"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if path := strings.TrimSpace(opts.LogPath); path != "" {
		out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
		if err != nil {
			return fmt.Errorf("open server output %s: %w", path, err)
		}
		defer out.Close()
		proc.Stdout = out
		proc.Stderr = out
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch server: %w", err)
	}
	return proc.Process.Release()
}

// WaitForServer polls the discovery record until a live server is published.
func WaitForServer(discoveryPath string, timeout time.Duration) (ipc.ServerConfig, error) {
	deadline := time.Now().Add(timeout)
	for {
		if rec, ok := ipc.Running(discoveryPath); ok {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return ipc.ServerConfig{}, fmt.Errorf("server failed to start: no live record at %s after %s", discoveryPath, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// EnsureStarted launches a server unless one is already published.
func EnsureStarted(discoveryPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if rec, ok := ipc.Running(discoveryPath); ok {
		return StartResult{State: StartStateAlreadyRunning, Server: rec}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	rec, err := WaitForServer(discoveryPath, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, Server: rec}, nil
}

// WaitForExit waits until pid no longer exists.
func WaitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !project.IsPidAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// Stop sends SIGTERM to the published server and waits up to gracePeriod for
// it to exit. A server still alive after that is killed and its discovery
// record removed.
func Stop(discoveryPath string, gracePeriod time.Duration) (StopResult, error) {
	rec, ok := ipc.Running(discoveryPath)
	if !ok {
		return StopResult{}, ErrServerNotRunning
	}
	if rec.PID == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", rec.PID)
	}
	result := StopResult{PID: rec.PID}

	if err := unix.Kill(rec.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return result, nil
		}
		return result, fmt.Errorf("signal server %d: %w", rec.PID, err)
	}
	if WaitForExit(rec.PID, gracePeriod) {
		return result, nil
	}

	if err := unix.Kill(rec.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill server %d: %w", rec.PID, err)
	}
	result.ForcedKill = true
	WaitForExit(rec.PID, gracePeriod)
	if _, err := ipc.RemoveDiscoveryIfOwned(discoveryPath, rec.PID); err != nil {
		return result, fmt.Errorf("remove discovery record: %w", err)
	}
	return result, nil
}
