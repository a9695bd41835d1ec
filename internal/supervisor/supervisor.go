package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"tender/internal/config"
	"tender/internal/history"
	"tender/internal/logging"
	"tender/internal/project"
	"tender/internal/protocol"
)

const (
	readChunkSize       = 4096
	defaultDrainTimeout = 500 * time.Millisecond
)

// Options configures how workers are launched.
type Options struct {
	Command         []string
	ManagedEnv      string
	NonceEnv        string
	HandshakePrefix string
	// OnBusy is config.OnBusyWait or config.OnBusyReport.
	OnBusy       string
	DrainTimeout time.Duration
	// Stdout and Stderr receive a copy of all worker output. Nil discards it.
	Stdout  io.Writer
	Stderr  io.Writer
	Journal Journal
	Logger  *slog.Logger
}

// Supervisor starts one worker per project and relays its startup output.
// Workers outlive the request that started them and keep their project
// locked until they exit or the supervisor context is cancelled.
type Supervisor struct {
	ctx      context.Context
	resolver *project.Resolver
	registry *project.Registry
	opts     Options
	logger   *slog.Logger
	journal  Journal

	echoMu sync.Mutex
	wg     sync.WaitGroup
}

// New constructs a supervisor. Cancelling ctx kills every running worker.
func New(ctx context.Context, resolver *project.Resolver, registry *project.Registry, opts Options) (*Supervisor, error) {
	if resolver == nil || registry == nil {
		return nil, errors.New("supervisor requires resolver and registry")
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("supervisor requires a worker command")
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.OnBusy == "" {
		opts.OnBusy = config.OnBusyWait
	}
	journal := opts.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	return &Supervisor{
		ctx:      ctx,
		resolver: resolver,
		registry: registry,
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "supervisor"),
		journal:  journal,
	}, nil
}

type job struct {
	directory string
	project   project.Resolution
	nonce     string
	marker    string
	relay     *relay
	logger    *slog.Logger
	recordID  int64
}

// Spawn starts the worker for directory's project and relays its output to
// sink until the worker completes its handshake or exits. It returns the
// code sent as the final event, or CodeAborted when the supervisor was
// cancelled first.
func (s *Supervisor) Spawn(ctx context.Context, directory string, sink EventSink) int {
	logger := logging.WithContext(ctx, s.logger).With(logging.String(logging.FieldDirectory, directory))
	rel := newRelay(sink)

	res, err := s.resolver.Resolve(directory)
	if err != nil {
		logger.Warn("project resolution failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "project_resolve_failed"),
			logging.String(logging.FieldImpact, "spawn rejected"),
			logging.String(logging.FieldErrorHint, "pass an absolute project directory"))
		fail(rel, fmt.Sprintf("failed to resolve project: %v\n", err), CodeFailure)
		return CodeFailure
	}
	logger = logger.With(logging.String(logging.FieldCacheKey, res.Key.String()))

	guard, ok, err := s.registry.TryLock(res.Key)
	if err != nil {
		logging.ErrorWithContext(logger, "project lock failed", "project_lock_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "spawn rejected"),
			logging.String(logging.FieldErrorHint, "check permissions on the state directory"))
		fail(rel, fmt.Sprintf("failed to lock project %s: %v\n", res.Root, err), CodeFailure)
		return CodeFailure
	}
	if !ok {
		if s.opts.OnBusy == config.OnBusyReport {
			return s.reportBusy(res, rel, logger)
		}
		logger.Info("waiting for project lock",
			logging.String(logging.FieldEventType, "project_lock_wait"),
			logging.String("project_root", res.Root))
		waitCtx, cancel := mergeCancel(ctx, s.ctx)
		guard, err = s.registry.Acquire(waitCtx, res.Key)
		cancel()
		if err != nil {
			logger.Info("lock wait abandoned", logging.Error(err))
			return CodeAborted
		}
	}

	nonce := uuid.NewString()
	j := &job{
		directory: directory,
		project:   res,
		nonce:     nonce,
		marker:    s.opts.HandshakePrefix + nonce,
		relay:     rel,
		logger:    logger,
	}
	s.begin(j)

	s.wg.Add(1)
	go s.supervise(guard, j)

	<-rel.done()
	return rel.final().code
}

// Wait blocks until every worker started by Spawn has been reaped and its
// project released.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(guard *project.Guard, j *job) {
	defer s.wg.Done()
	defer func() {
		if err := guard.Release(); err != nil {
			logging.WarnWithContext(j.logger, "project unlock failed", "project_unlock_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "project may stay locked until the daemon exits"))
		}
	}()
	// Spawn must return even if nothing below commits a result.
	defer j.relay.abandon()

	err := s.registry.WithPidFile(s.ctx, j.project.Key, func(ctx context.Context) error {
		return s.run(ctx, j)
	})
	if err == nil {
		return
	}
	if s.ctx.Err() != nil {
		s.finish(j, history.StateInterrupted, CodeAborted)
		return
	}
	logging.ErrorWithContext(j.logger, "pid file write failed", "pid_file_failed",
		logging.Error(err),
		logging.String(logging.FieldImpact, "worker not started"),
		logging.String(logging.FieldErrorHint, "check permissions on the state directory"))
	fail(j.relay, fmt.Sprintf("failed to record worker pid: %v\n", err), CodeFailure)
	s.finish(j, history.StateFailed, CodeFailure)
}

// run executes the worker inside the pid file scope and returns once it has
// exited.
func (s *Supervisor) run(ctx context.Context, j *job) error {
	cmd, outR, errR, err := s.start(j)
	if err != nil {
		code := startFailureCode(err)
		logging.WarnWithContext(j.logger, "worker failed to start", "worker_start_failed",
			logging.Error(err),
			logging.Int("exit_code", code),
			logging.String(logging.FieldImpact, "client receives a failure exit code"),
			logging.String(logging.FieldErrorHint, "check worker.command and the project directory"))
		fail(j.relay, fmt.Sprintf("failed to start worker: %v\n", err), code)
		s.finish(j, history.StateFailed, code)
		return nil
	}

	pid := cmd.Process.Pid
	j.logger = j.logger.With(logging.Int(logging.FieldWorkerPID, pid))
	j.logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.String("project_root", j.project.Root))
	s.record("set worker pid", j, func(jctx context.Context) error {
		return s.journal.SetWorkerPID(jctx, j.recordID, pid)
	})

	stopKill := context.AfterFunc(ctx, func() { killGroup(pid) })
	defer stopKill()

	closeOut := sync.OnceFunc(func() { _ = outR.Close() })
	closeErr := sync.OnceFunc(func() { _ = errR.Close() })
	// Readers may outlive the worker; shutdown must still unblock them.
	stopClose := context.AfterFunc(s.ctx, func() {
		closeOut()
		closeErr()
	})

	var readers sync.WaitGroup
	readers.Add(2)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.pump(j, outR, true, closeOut)
	}()
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.pump(j, errR, false, closeErr)
	}()
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		stopClose()
		close(drained)
	}()

	waitErr := cmd.Wait()
	code := exitStatus(cmd.ProcessState)
	if cmd.ProcessState == nil && waitErr != nil {
		j.logger.Warn("worker wait failed", logging.Error(waitErr))
	}

	timer := time.NewTimer(s.opts.DrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		j.logger.Debug("worker output still open after exit",
			logging.Duration("drain_timeout", s.opts.DrainTimeout))
	}
	timer.Stop()

	if ctx.Err() != nil {
		j.relay.abandon()
		j.logger.Info("worker killed on shutdown",
			logging.String(logging.FieldEventType, "worker_killed"),
			logging.Int("exit_code", code))
		s.finish(j, history.StateInterrupted, code)
		return nil
	}

	if j.relay.commit(code) {
		j.logger.Warn("worker exited before handshake",
			logging.Int("exit_code", code),
			logging.String(logging.FieldEventType, "worker_exit_before_ready"),
			logging.String(logging.FieldImpact, "client receives the worker exit code"),
			logging.String(logging.FieldErrorHint, "inspect the worker output in the daemon log"))
	} else if code == 0 {
		j.logger.Info("worker exited normally",
			logging.String(logging.FieldEventType, "worker_exited"))
	} else {
		j.logger.Info("worker exited with error",
			logging.String(logging.FieldEventType, "worker_exited"),
			logging.Int("exit_code", code))
	}
	s.finish(j, history.StateExited, code)
	return nil
}

func (s *Supervisor) start(j *job) (*exec.Cmd, *os.File, *os.File, error) {
	info, err := os.Stat(j.directory)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("chdir %s: %w", j.directory, err)
	}
	if !info.IsDir() {
		return nil, nil, nil, fmt.Errorf("chdir %s: not a directory", j.directory)
	}

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Dir = j.directory
	cmd.Env = append(os.Environ(),
		s.opts.ManagedEnv+"=true",
		s.opts.NonceEnv+"="+j.nonce,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, nil, nil, startErr
	}
	return cmd, outR, errR, nil
}

// pump copies one worker stream to the local echo and, until the relay is
// sealed, to the client.
func (s *Supervisor) pump(j *job, r io.Reader, stdout bool, closeFn func()) {
	defer closeFn()
	var scanner *markerScanner
	if stdout {
		scanner = newMarkerScanner(j.marker)
	}
	var carry runeCarry
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.echo(stdout, buf[:n])
			if chunk := carry.Take(buf[:n]); len(chunk) > 0 {
				s.relayChunk(j, scanner, chunk)
			}
		}
		if err != nil {
			if rest := carry.Flush(); len(rest) > 0 {
				s.relayChunk(j, scanner, rest)
			}
			if stdout {
				if rest := scanner.Flush(); len(rest) > 0 {
					j.relay.forward(protocol.StdoutEvent(rest))
				}
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				j.logger.Debug("worker stream read failed", logging.Error(err), logging.Bool("stdout", stdout))
			}
			return
		}
	}
}

// relayChunk forwards a chunk of whole runes. A nil scanner means stderr.
func (s *Supervisor) relayChunk(j *job, scanner *markerScanner, chunk []byte) {
	if scanner == nil {
		j.relay.forward(protocol.StderrEvent(clone(chunk)))
		return
	}
	s.relayStdout(j, scanner, chunk)
}

// relayStdout strips the marker from the chunk that completes it and forwards
// the remainder of that chunk before committing.
func (s *Supervisor) relayStdout(j *job, scanner *markerScanner, chunk []byte) {
	before, after, found := scanner.Feed(chunk)
	if found {
		before = append(before, after...)
	}
	if len(before) > 0 {
		j.relay.forward(protocol.StdoutEvent(before))
	}
	if !found || !j.relay.commit(0) {
		return
	}
	j.logger.Info("worker ready",
		logging.String(logging.FieldEventType, "worker_ready"))
	now := time.Now()
	s.record("mark ready", j, func(jctx context.Context) error {
		return s.journal.MarkReady(jctx, j.recordID, now)
	})
}

func (s *Supervisor) echo(stdout bool, chunk []byte) {
	w := s.opts.Stderr
	if stdout {
		w = s.opts.Stdout
	}
	if w == nil {
		return
	}
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	_, _ = w.Write(chunk)
}

func (s *Supervisor) reportBusy(res project.Resolution, rel *relay, logger *slog.Logger) int {
	msg := "worker already running for " + res.Root
	if pid, ok := s.registry.ReadPid(res.Key); ok {
		msg += fmt.Sprintf(" (pid %d)", pid)
	}
	logger.Info("project busy, reporting",
		logging.String(logging.FieldEventType, "project_busy"),
		logging.String("project_root", res.Root))
	rel.forward(protocol.StderrEvent([]byte(msg + "\n")))
	rel.commit(0)

	j := &job{directory: res.Root, project: res, logger: logger}
	s.begin(j)
	s.finish(j, history.StateBusy, 0)
	return 0
}

func (s *Supervisor) begin(j *job) {
	s.record("begin spawn", j, func(jctx context.Context) error {
		id, err := s.journal.Begin(jctx, history.SpawnStart{
			Directory:   j.directory,
			ProjectRoot: j.project.Root,
			CacheKey:    j.project.Key.String(),
			Nonce:       j.nonce,
			ServerPID:   os.Getpid(),
			StartedAt:   time.Now(),
		})
		j.recordID = id
		return err
	})
}

func (s *Supervisor) finish(j *job, state history.State, code int) {
	now := time.Now()
	s.record("finish spawn", j, func(jctx context.Context) error {
		return s.journal.Finish(jctx, j.recordID, state, code, now)
	})
}

// record runs a journal write that survives daemon shutdown. Failures are
// logged and never reach the client.
func (s *Supervisor) record(op string, j *job, fn func(context.Context) error) {
	jctx := context.WithoutCancel(s.ctx)
	if err := fn(jctx); err != nil {
		logging.WarnWithContext(j.logger, "history journal write failed", "history_write_failed",
			logging.String("operation", op),
			logging.Error(err),
			logging.String(logging.FieldImpact, "spawn history is incomplete"),
			logging.String(logging.FieldErrorHint, "check history.path permissions"))
	}
}

func fail(rel *relay, msg string, code int) {
	rel.forward(protocol.StderrEvent([]byte(msg)))
	rel.commit(code)
}

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// mergeCancel returns a context that is done when either a or b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// OptionsFromConfig maps the worker section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:         append([]string(nil), cfg.Worker.Command...),
		ManagedEnv:      cfg.Worker.ManagedEnv,
		NonceEnv:        cfg.Worker.NonceEnv,
		HandshakePrefix: cfg.Worker.HandshakePrefix,
		OnBusy:          cfg.Worker.OnBusy,
		DrainTimeout:    cfg.DrainTimeout(),
	}
}
