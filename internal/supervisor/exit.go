package supervisor

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
)

const (
	// CodeAborted is returned by Spawn when the daemon stopped before a result
	// was sent. No exit code event reaches the client in that case.
	CodeAborted = -1
	// CodeNotFound is reported when the worker binary cannot be found.
	CodeNotFound = 127
	// CodeFailure is reported for every other start failure.
	CodeFailure = 1
)

// exitStatus maps a finished process to a shell-style exit code. Signal
// deaths become 128+signal.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return CodeFailure
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// startFailureCode classifies a Start error.
func startFailureCode(err error) int {
	if errors.Is(err, exec.ErrNotFound) {
		return CodeNotFound
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, fs.ErrNotExist) {
		return CodeNotFound
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op != "chdir" && errors.Is(pathErr.Err, fs.ErrNotExist) {
		return CodeNotFound
	}
	return CodeFailure
}
