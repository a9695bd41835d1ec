package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Encoder writes newline-delimited JSON records. It is not safe for
// concurrent use; callers serialize writes.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteEvent writes ev as one or more records. Stream payloads larger than
// MaxChunk are split on rune boundaries.
func (e *Encoder) WriteEvent(ev Event) error {
	switch ev.Kind {
	case KindExitCode:
		return e.writeRecord(wireExit{Type: TypeExitCode, Message: ev.Code})
	case KindStdout, KindStderr:
		data := ev.Data
		for {
			n := splitPoint(data, MaxChunk)
			if err := e.writeRecord(wireStream{Type: string(ev.Kind), Message: string(data[:n])}); err != nil {
				return err
			}
			data = data[n:]
			if len(data) == 0 {
				return nil
			}
		}
	default:
		return fmt.Errorf("encode event: unknown kind %q", ev.Kind)
	}
}

// WriteRequest writes req as a single record.
func (e *Encoder) WriteRequest(req Request) error {
	switch r := req.(type) {
	case Spawn:
		return e.writeRecord(wireRequest{Type: TypeSpawn, Directory: r.Directory})
	case Unrecognized:
		return e.writeRecord(wireRequest{Type: r.Kind})
	default:
		return fmt.Errorf("encode request: unsupported type %T", req)
	}
}

func (e *Encoder) writeRecord(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		return err
	}
	return nil
}

// splitPoint returns how many bytes of data fit in one record of at most limit
// bytes without cutting a multi-byte rune.
func splitPoint(data []byte, limit int) int {
	if len(data) <= limit {
		return len(data)
	}
	n := limit
	for back := 0; back < utf8.UTFMax && n > 0 && !utf8.RuneStart(data[n]); back++ {
		n--
	}
	if n == 0 {
		return limit
	}
	return n
}

// ErrMalformed wraps records that could not be parsed.
var ErrMalformed = errors.New("malformed record")

// Decoder reads newline-delimited JSON records with no line length limit.
type Decoder struct {
	r *bufio.Reader
	// OnMalformed, when set, is called for every line that fails to parse.
	// The line is skipped either way.
	OnMalformed func(line []byte, err error)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// NextEvent returns the next well-formed event. It returns io.EOF when the
// stream ends.
func (d *Decoder) NextEvent() (Event, error) {
	for {
		line, err := d.nextLine()
		if err != nil {
			return Event{}, err
		}
		ev, perr := parseEvent(line)
		if perr != nil {
			d.malformed(line, perr)
			continue
		}
		return ev, nil
	}
}

// NextRequest returns the next well-formed request. It returns io.EOF when
// the stream ends.
func (d *Decoder) NextRequest() (Request, error) {
	for {
		line, err := d.nextLine()
		if err != nil {
			return nil, err
		}
		req, perr := parseRequest(line)
		if perr != nil {
			d.malformed(line, perr)
			continue
		}
		return req, nil
	}
}

// nextLine returns the next non-blank line without its terminator. A final
// line lacking a newline is still returned.
func (d *Decoder) nextLine() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (d *Decoder) malformed(line []byte, err error) {
	if d.OnMalformed != nil {
		d.OnMalformed(line, err)
	}
}

type rawRecord struct {
	Type      *string         `json:"type"`
	Message   json.RawMessage `json:"message"`
	Directory string          `json:"directory"`
}

func decodeRaw(line []byte) (rawRecord, error) {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rawRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}

func parseEvent(line []byte) (Event, error) {
	rec, err := decodeRaw(line)
	if err != nil {
		return Event{}, err
	}
	if rec.Type == nil {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	switch *rec.Type {
	case TypeStdout, TypeStderr:
		var msg string
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return Event{}, fmt.Errorf("%w: %s message: %v", ErrMalformed, *rec.Type, err)
		}
		return Event{Kind: EventKind(*rec.Type), Data: []byte(msg)}, nil
	case TypeExitCode:
		var code int
		if err := json.Unmarshal(rec.Message, &code); err != nil {
			return Event{}, fmt.Errorf("%w: exitcode message: %v", ErrMalformed, err)
		}
		return ExitCodeEvent(code), nil
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrMalformed, *rec.Type)
	}
}

func parseRequest(line []byte) (Request, error) {
	rec, err := decodeRaw(line)
	if err != nil {
		return nil, err
	}
	if rec.Type != nil && *rec.Type == TypeSpawn {
		return Spawn{Directory: rec.Directory}, nil
	}
	kind := ""
	if rec.Type != nil {
		kind = *rec.Type
	}
	return Unrecognized{Kind: kind}, nil
}
