package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tender/internal/logging"
	"tender/internal/protocol"
	"tender/internal/supervisor"
)

// Spawner runs one spawn request. *supervisor.Supervisor implements it.
type Spawner interface {
	Spawn(ctx context.Context, directory string, sink supervisor.EventSink) int
}

// Server accepts dispatch connections on a loopback TCP listener.
type Server struct {
	opts     Options
	spawner  Spawner
	logger   *slog.Logger
	listener net.Listener
	host     string
	port     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closeOnce sync.Once
}

// NewServer binds the listener. Port 0 selects an ephemeral port.
func NewServer(ctx context.Context, opts Options, spawner Spawner, logger *slog.Logger) (*Server, error) {
	if spawner == nil {
		return nil, errors.New("ipc server requires a spawner")
	}
	if strings.TrimSpace(opts.DiscoveryPath) == "" {
		return nil, errors.New("ipc server requires a discovery path")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return nil, fmt.Errorf("unexpected listener address %s", listener.Addr())
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		opts:     opts,
		spawner:  spawner,
		logger:   logger,
		listener: listener,
		host:     tcpAddr.IP.String(),
		port:     tcpAddr.Port,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the resolved host and port.
func (s *Server) Addr() (string, int) {
	return s.host, s.port
}

// Record returns the discovery record describing this server.
func (s *Server) Record() ServerConfig {
	return ServerConfig{
		PID:     os.Getpid(),
		Port:    s.port,
		Host:    s.host,
		Version: s.opts.Version,
	}
}

// Serve publishes the discovery record and starts accepting connections in
// the background. Cancelling the server context stops the accept loop and
// force-closes every open connection.
func (s *Server) Serve() error {
	if err := WriteDiscovery(s.opts.DiscoveryPath, s.Record()); err != nil {
		return err
	}
	s.logger.Info("dispatch server listening",
		logging.String(logging.FieldEventType, "server_listening"),
		logging.String("host", s.host),
		logging.Int("port", s.port),
		logging.String("discovery_path", s.opts.DiscoveryPath))

	stop := context.AfterFunc(s.ctx, s.shutdownConns)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		s.acceptLoop()
	}()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "ipc_accept_failed"),
				logging.String(logging.FieldImpact, "clients may fail to connect"),
				logging.String(logging.FieldErrorHint, "restart the server if this repeats"))
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handle(c)
		}(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// shutdownConns closes the listener and every tracked connection.
func (s *Server) shutdownConns() {
	_ = s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	ctx := logging.WithCorrelationID(s.ctx, uuid.NewString())
	logger := logging.WithContext(ctx, s.logger).With(logging.String("remote", conn.RemoteAddr().String()))
	logger.Debug("connection accepted")

	dec := protocol.NewDecoder(conn)
	dec.OnMalformed = func(line []byte, err error) {
		logger.Warn("malformed request skipped",
			logging.Error(err),
			logging.Int("bytes", len(line)),
			logging.String(logging.FieldEventType, "ipc_malformed_request"),
			logging.String(logging.FieldImpact, "request ignored"),
			logging.String(logging.FieldErrorHint, "client and server versions may differ"))
	}
	req, err := dec.NextRequest()
	if err != nil {
		if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
			logger.Debug("connection read failed", logging.Error(err))
		}
		return
	}

	enc := protocol.NewEncoder(conn)
	sink := supervisor.SinkFunc(enc.WriteEvent)
	switch r := req.(type) {
	case protocol.Spawn:
		if strings.TrimSpace(r.Directory) == "" {
			s.reject(sink, logger, "spawn request is missing a directory\n")
			return
		}
		logger.Info("spawn requested",
			logging.String(logging.FieldEventType, "spawn_requested"),
			logging.String(logging.FieldDirectory, r.Directory))
		code := s.spawner.Spawn(ctx, r.Directory, sink)
		logger.Info("spawn answered",
			logging.String(logging.FieldEventType, "spawn_answered"),
			logging.Int("exit_code", code))
	case protocol.Unrecognized:
		logger.Warn("unknown message type",
			logging.String("type", r.Kind),
			logging.String(logging.FieldEventType, "ipc_unknown_type"),
			logging.String(logging.FieldImpact, "request rejected with exit code 1"),
			logging.String(logging.FieldErrorHint, "client and server versions may differ"))
		s.reject(sink, logger, "Unknown message type: "+r.Kind)
	}
}

func (s *Server) reject(sink supervisor.EventSink, logger *slog.Logger, msg string) {
	if err := sink.Send(protocol.StderrEvent([]byte(msg))); err != nil {
		logger.Debug("reply failed", logging.Error(err))
		return
	}
	if err := sink.Send(protocol.ExitCodeEvent(1)); err != nil {
		logger.Debug("reply failed", logging.Error(err))
	}
}

// Close stops the server, waits for every handler, and removes the discovery
// record if it still names this process.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.shutdownConns()
		s.wg.Wait()
		removed, err := RemoveDiscoveryIfOwned(s.opts.DiscoveryPath, os.Getpid())
		if err != nil {
			logging.WarnWithContext(s.logger, "failed to remove discovery record", "ipc_discovery_cleanup_failed",
				logging.String("discovery_path", s.opts.DiscoveryPath),
				logging.Error(err),
				logging.String(logging.FieldImpact, "clients may see a stale server record"),
				logging.String(logging.FieldErrorHint, "delete the discovery file manually"))
			return
		}
		s.logger.Info("dispatch server stopped",
			logging.String(logging.FieldEventType, "server_stopped"),
			logging.Bool("discovery_removed", removed))
	})
}
