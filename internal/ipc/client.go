package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"tender/internal/protocol"
)

const dialTimeout = 2 * time.Second

// ErrServerNotRunning is returned when no live server is published at the
// discovery path.
var ErrServerNotRunning = errors.New("tender server is not running")

// Client is a single dispatch connection.
type Client struct {
	conn   net.Conn
	record ServerConfig

	closeOnce sync.Once
	closeErr  error
}

// Connect reads the discovery record and dials the server it names. It never
// starts a server.
func Connect(discoveryPath string) (*Client, error) {
	rec, ok := Running(discoveryPath)
	if !ok {
		return nil, ErrServerNotRunning
	}
	conn, err := net.DialTimeout("tcp", rec.Address(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrServerNotRunning, rec.Address(), err)
	}
	return &Client{conn: conn, record: rec}, nil
}

// Server returns the discovery record used to connect.
func (c *Client) Server() ServerConfig { return c.record }

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Do starts reading events, then calls write to send the request. Stream
// events are copied to stdout and stderr until the exit code arrives. ok is
// false when the connection closed without one.
func (c *Client) Do(write func(*protocol.Encoder) error, stdout, stderr io.Writer) (code int, ok bool, err error) {
	type result struct {
		code int
		ok   bool
		err  error
	}
	done := make(chan result, 1)

	go func() {
		dec := protocol.NewDecoder(c.conn)
		dec.OnMalformed = func(line []byte, _ error) {
			fmt.Fprintf(stderr, "Invalid message received: %s\n", line)
		}
		for {
			ev, err := dec.NextEvent()
			if err != nil {
				if closedByPeer(err) {
					err = nil
				}
				done <- result{err: err}
				return
			}
			switch ev.Kind {
			case protocol.KindStdout:
				_, _ = stdout.Write(ev.Data)
			case protocol.KindStderr:
				_, _ = stderr.Write(ev.Data)
			case protocol.KindExitCode:
				done <- result{code: ev.Code, ok: true}
				return
			}
		}
	}()

	if werr := write(protocol.NewEncoder(c.conn)); werr != nil {
		_ = c.Close()
		<-done
		return 0, false, fmt.Errorf("send request: %w", werr)
	}
	res := <-done
	return res.code, res.ok, res.err
}

// Spawn asks the server to start the worker for dir.
func (c *Client) Spawn(dir string, stdout, stderr io.Writer) (int, bool, error) {
	return c.Do(func(enc *protocol.Encoder) error {
		return enc.WriteRequest(protocol.Spawn{Directory: dir})
	}, stdout, stderr)
}

// closedByPeer reports whether err is an orderly or abrupt end of the
// connection rather than a read failure.
func closedByPeer(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
