package supervisor

import (
	"bytes"
	"unicode/utf8"
)

// markerScanner finds a handshake marker in a byte stream that may split it
// across reads. Bytes that could still turn out to be the start of the marker
// are held back until the next Feed or Flush.
type markerScanner struct {
	marker  []byte
	pending []byte
	found   bool
}

func newMarkerScanner(marker string) *markerScanner {
	return &markerScanner{marker: []byte(marker)}
}

// Feed consumes chunk. before holds the bytes preceding the marker that are
// safe to forward; after holds whatever followed the marker in this chunk.
// found is true only on the Feed that completes the first marker.
func (s *markerScanner) Feed(chunk []byte) (before, after []byte, found bool) {
	if s.found {
		return nil, clone(chunk), false
	}
	buf := append(s.pending, chunk...)
	s.pending = nil

	if idx := bytes.Index(buf, s.marker); idx >= 0 {
		s.found = true
		return clone(buf[:idx]), clone(buf[idx+len(s.marker):]), true
	}

	hold := partialSuffix(buf, s.marker)
	s.pending = clone(buf[len(buf)-hold:])
	return clone(buf[:len(buf)-hold]), nil, false
}

// Flush returns any held-back bytes at end of stream.
func (s *markerScanner) Flush() []byte {
	rest := s.pending
	s.pending = nil
	return rest
}

// partialSuffix returns the length of the longest proper prefix of marker
// that ends buf.
func partialSuffix(buf, marker []byte) int {
	longest := min(len(buf), len(marker)-1)
	for n := longest; n > 0; n-- {
		if bytes.HasSuffix(buf, marker[:n]) {
			return n
		}
	}
	return 0
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// runeCarry holds back an incomplete trailing UTF-8 sequence so a rune split
// across reads is forwarded whole.
type runeCarry struct {
	pending []byte
}

// Take returns the leading bytes of pending+chunk that end on a rune boundary.
func (c *runeCarry) Take(chunk []byte) []byte {
	buf := append(c.pending, chunk...)
	hold := incompleteRuneSuffix(buf)
	c.pending = clone(buf[len(buf)-hold:])
	return clone(buf[:len(buf)-hold])
}

// Flush returns held-back bytes at end of stream, valid or not.
func (c *runeCarry) Flush() []byte {
	rest := c.pending
	c.pending = nil
	return rest
}

func incompleteRuneSuffix(buf []byte) int {
	for n := 1; n < utf8.UTFMax && n <= len(buf); n++ {
		if !utf8.RuneStart(buf[len(buf)-n]) {
			continue
		}
		if utf8.FullRune(buf[len(buf)-n:]) {
			return 0
		}
		return n
	}
	return 0
}
