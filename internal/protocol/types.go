package protocol

// MaxChunk bounds the payload of a single stdout or stderr record. Larger
// payloads are split into consecutive records of the same stream.
const MaxChunk = 64 * 1024

// Wire type tags.
const (
	TypeSpawn    = "spawn"
	TypeStdout   = "stdout"
	TypeStderr   = "stderr"
	TypeExitCode = "exitcode"
)

// EventKind distinguishes the three response records.
type EventKind string

const (
	KindStdout   EventKind = TypeStdout
	KindStderr   EventKind = TypeStderr
	KindExitCode EventKind = TypeExitCode
)

// Event is one response record. Data is set for stdout and stderr, Code for
// exitcode. An exitcode event is always the last record on a connection.
type Event struct {
	Kind EventKind
	Data []byte
	Code int
}

// StdoutEvent wraps a chunk of worker stdout.
func StdoutEvent(data []byte) Event { return Event{Kind: KindStdout, Data: data} }

// StderrEvent wraps a chunk of worker stderr.
func StderrEvent(data []byte) Event { return Event{Kind: KindStderr, Data: data} }

// ExitCodeEvent is the terminal record carrying the worker's result.
func ExitCodeEvent(code int) Event { return Event{Kind: KindExitCode, Code: code} }

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool { return e.Kind == KindExitCode }

// Request is the closed set of client requests: Spawn or Unrecognized.
type Request interface {
	requestType() string
}

// Spawn asks the server to start the worker for Directory's project.
type Spawn struct {
	Directory string
}

// Unrecognized carries the type tag of a request the server does not handle.
// Kind is empty when the record had no type.
type Unrecognized struct {
	Kind string
}

func (Spawn) requestType() string          { return TypeSpawn }
func (u Unrecognized) requestType() string { return u.Kind }

type wireRequest struct {
	Type      string `json:"type"`
	Directory string `json:"directory,omitempty"`
}

type wireStream struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wireExit struct {
	Type    string `json:"type"`
	Message int    `json:"message"`
}
