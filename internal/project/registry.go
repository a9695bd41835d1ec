package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"tender/internal/fileutil"
	"tender/internal/logging"
)

const (
	pidFileName         = "worker.pid"
	defaultPollInterval = 200 * time.Millisecond
	defaultRetryDelay   = 100 * time.Millisecond
)

// Options configures a Registry.
type Options struct {
	LockDir       string
	RunDir        string
	PollInterval  time.Duration
	PIDRetryDelay time.Duration
	Logger        *slog.Logger
}

// Registry owns the per-key lock files and PID files under the state directory.
type Registry struct {
	lockDir       string
	runDir        string
	pollInterval  time.Duration
	pidRetryDelay time.Duration
	logger        *slog.Logger
	pid           int
	writeFile     func(path string, data []byte, mode os.FileMode) error
}

// NewRegistry constructs a registry rooted at the provided directories.
func NewRegistry(opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PIDRetryDelay <= 0 {
		opts.PIDRetryDelay = defaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		lockDir:       opts.LockDir,
		runDir:        opts.RunDir,
		pollInterval:  opts.PollInterval,
		pidRetryDelay: opts.PIDRetryDelay,
		logger:        logger,
		pid:           os.Getpid(),
		writeFile:     fileutil.WriteFileAtomic,
	}
}

// Guard is the token for a held project lock.
type Guard struct {
	key  Key
	lock *flock.Flock
	once sync.Once
	err  error
}

// Key reports the key this guard protects.
func (g *Guard) Key() Key { return g.key }

// Release unlocks the project. Calling it more than once is harmless.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		g.err = g.lock.Unlock()
	})
	return g.err
}

// LockPath returns the lock file used for key. Lock files are never removed.
func (r *Registry) LockPath(key Key) string {
	return filepath.Join(r.lockDir, string(key)+".lock")
}

// PidPath returns the PID file used for key.
func (r *Registry) PidPath(key Key) string {
	return filepath.Join(r.scratchDir(key), pidFileName)
}

func (r *Registry) scratchDir(key Key) string {
	return filepath.Join(r.runDir, string(key))
}

// TryLock attempts to take the lock for key without blocking. It returns
// false and a nil error when another holder exists.
func (r *Registry) TryLock(key Key) (*Guard, bool, error) {
	if err := os.MkdirAll(r.lockDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(r.LockPath(key))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Guard{key: key, lock: lock}, true, nil
}

// Acquire polls TryLock until the lock is held or ctx is done.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Guard, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		guard, ok, err := r.TryLock(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return guard, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WithPidFile writes the current pid to the PID file for key, runs body, and
// removes the PID file and its directory whichever way body ends. Permission
// errors while writing are retried at a fixed delay until ctx is done.
func (r *Registry) WithPidFile(ctx context.Context, key Key, body func(context.Context) error) error {
	if err := r.writePid(ctx, key); err != nil {
		return err
	}
	defer r.clearPid(key)
	return body(ctx)
}

func (r *Registry) writePid(ctx context.Context, key Key) error {
	path := r.PidPath(key)
	data := []byte(strconv.Itoa(r.pid) + "\n")
	for attempt := 1; ; attempt++ {
		err := r.writeFile(path, data, 0o644)
		if err == nil {
			return nil
		}
		if !isRetryablePidError(err) {
			return fmt.Errorf("write pid file: %w", err)
		}
		r.logger.Debug("pid file busy, retrying",
			logging.String(logging.FieldCacheKey, string(key)),
			logging.Int("attempt", attempt),
			logging.Error(err),
		)
		timer := time.NewTimer(r.pidRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Registry) clearPid(key Key) {
	if err := os.RemoveAll(r.scratchDir(key)); err != nil {
		logging.WarnWithContext(r.logger, "pid file cleanup failed", "pid_cleanup_failed",
			logging.String(logging.FieldCacheKey, string(key)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale pid file left in run directory"),
			logging.String(logging.FieldErrorHint, "remove the run directory manually"),
		)
	}
}

// ReadPid returns the pid recorded for key, if any.
func (r *Registry) ReadPid(key Key) (int, bool) {
	data, err := os.ReadFile(r.PidPath(key))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func isRetryablePidError(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EBUSY)
}

// IsPidAlive reports whether a process with pid exists. Only ESRCH counts as
// dead; EPERM means the process exists under another user.
func IsPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}
