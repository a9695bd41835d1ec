package supervisor

import (
	"sync"

	"tender/internal/protocol"
)

// EventSink receives the events of one spawn request, typically a protocol
// encoder bound to the client connection.
type EventSink interface {
	Send(protocol.Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(protocol.Event) error

// Send calls f(ev).
func (f SinkFunc) Send(ev protocol.Event) error { return f(ev) }

type outcome struct {
	code int
	// sent is false when the relay was abandoned without an exit code.
	sent bool
}

// relay forwards worker output to a sink until a result is committed and
// then seals itself, so the exit code is always the final event.
type relay struct {
	mu     sync.Mutex
	sink   EventSink
	sealed bool
	broken bool
	result *oneshot[outcome]
}

func newRelay(sink EventSink) *relay {
	return &relay{sink: sink, result: newOneshot[outcome]()}
}

// forward sends ev unless the relay is sealed. A failed send marks the sink
// broken and silences further output; the client went away.
func (r *relay) forward(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed || r.broken {
		return
	}
	if err := r.sink.Send(ev); err != nil {
		r.broken = true
	}
}

// commit seals the relay with code and emits the exit code event. Only the
// first commit or abandon takes effect.
func (r *relay) commit(code int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.result.Commit(outcome{code: code, sent: true}) {
		return false
	}
	r.sealed = true
	if !r.broken {
		if err := r.sink.Send(protocol.ExitCodeEvent(code)); err != nil {
			r.broken = true
		}
	}
	return true
}

// abandon seals the relay without an exit code event.
func (r *relay) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.result.Commit(outcome{code: CodeAborted}) {
		return false
	}
	r.sealed = true
	return true
}

func (r *relay) done() <-chan struct{} { return r.result.Done() }

func (r *relay) final() outcome { return r.result.Value() }
