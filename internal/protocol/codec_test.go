package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWriteEventProducesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.WriteEvent(StdoutEvent([]byte("line one\nline two\n"))); err != nil {
		t.Fatal(err)
	}
	if err := enc.WriteEvent(StderrEvent([]byte("oops"))); err != nil {
		t.Fatal(err)
	}
	if err := enc.WriteEvent(ExitCodeEvent(3)); err != nil {
		t.Fatal(err)
	}

	want := `{"type":"stdout","message":"line one\nline two\n"}` + "\n" +
		`{"type":"stderr","message":"oops"}` + "\n" +
		`{"type":"exitcode","message":3}` + "\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		StdoutEvent([]byte("hello")),
		StderrEvent([]byte("tab\tquote\" unicode ✓")),
		StdoutEvent([]byte("")),
		ExitCodeEvent(0),
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.WriteEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range events {
		got, err := dec.NextEvent()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got.Kind != want.Kind || string(got.Data) != string(want.Data) || got.Code != want.Code {
			t.Fatalf("event %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.NextEvent(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestWriteEventSplitsLargePayloads(t *testing.T) {
	payload := strings.Repeat("é", MaxChunk) // two bytes per rune
	var buf bytes.Buffer
	if err := NewEncoder(&buf).WriteEvent(StdoutEvent([]byte(payload))); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	var rebuilt strings.Builder
	records := 0
	for {
		ev, err := dec.NextEvent()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind != KindStdout {
			t.Fatalf("unexpected kind %q", ev.Kind)
		}
		if len(ev.Data) > MaxChunk {
			t.Fatalf("chunk of %d bytes exceeds limit", len(ev.Data))
		}
		rebuilt.Write(ev.Data)
		records++
	}
	if records < 2 {
		t.Fatalf("expected payload split across records, got %d", records)
	}
	if rebuilt.String() != payload {
		t.Fatal("reassembled payload differs from original")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteRequest(Spawn{Directory: "/srv/app"}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != `{"type":"spawn","directory":"/srv/app"}`+"\n" {
		t.Fatalf("unexpected request line %q", got)
	}

	req, err := NewDecoder(&buf).NextRequest()
	if err != nil {
		t.Fatal(err)
	}
	spawn, ok := req.(Spawn)
	if !ok || spawn.Directory != "/srv/app" {
		t.Fatalf("unexpected request %#v", req)
	}
}

func TestNextRequestUnrecognized(t *testing.T) {
	tests := []struct {
		line string
		kind string
	}{
		{`{"type":"ping"}`, "ping"},
		{`{"directory":"/tmp"}`, ""},
		{`{"type":"SPAWN","directory":"/tmp"}`, "SPAWN"},
	}
	for _, tt := range tests {
		req, err := NewDecoder(strings.NewReader(tt.line)).NextRequest()
		if err != nil {
			t.Fatalf("%s: %v", tt.line, err)
		}
		u, ok := req.(Unrecognized)
		if !ok || u.Kind != tt.kind {
			t.Fatalf("%s: got %#v, want Unrecognized{%q}", tt.line, req, tt.kind)
		}
	}
}

func TestDecoderSkipsBlankAndMalformedLines(t *testing.T) {
	input := "\n   \n" +
		"not json\n" +
		`{"type":"stdout","message":42}` + "\n" +
		`{"type":"bogus","message":"x"}` + "\n" +
		`{"type":"stdout","message":"kept"}` + "\n" +
		"\n" +
		`{"type":"exitcode","message":1}`

	var malformed []string
	dec := NewDecoder(strings.NewReader(input))
	dec.OnMalformed = func(line []byte, err error) {
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("malformed error should wrap ErrMalformed: %v", err)
		}
		malformed = append(malformed, string(line))
	}

	first, err := dec.NextEvent()
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != KindStdout || string(first.Data) != "kept" {
		t.Fatalf("unexpected first event %+v", first)
	}
	last, err := dec.NextEvent()
	if err != nil {
		t.Fatal(err)
	}
	if !last.Terminal() || last.Code != 1 {
		t.Fatalf("unexpected last event %+v", last)
	}
	if len(malformed) != 3 {
		t.Fatalf("expected 3 malformed lines, got %d: %q", len(malformed), malformed)
	}
}

func TestDecoderHandlesLongLines(t *testing.T) {
	long := strings.Repeat("x", 1<<20)
	input := `{"type":"stderr","message":"` + long + `"}` + "\n"
	ev, err := NewDecoder(strings.NewReader(input)).NextEvent()
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Data) != len(long) {
		t.Fatalf("decoded %d bytes, want %d", len(ev.Data), len(long))
	}
}

func TestSplitPointRespectsRuneBoundaries(t *testing.T) {
	data := []byte("ab✓cd") // ✓ is three bytes at offsets 2..4
	if n := splitPoint(data, 3); n != 2 {
		t.Fatalf("splitPoint = %d, want 2", n)
	}
	if n := splitPoint(data, 5); n != 5 {
		t.Fatalf("splitPoint = %d, want 5", n)
	}
	if n := splitPoint(data, 100); n != len(data) {
		t.Fatalf("splitPoint = %d, want %d", n, len(data))
	}
}
