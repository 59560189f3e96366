package proxy

import (
	"bytes"
	"io"
)

// replacingReader substitutes every occurrence of old with new in the
// bytes read from the underlying reader. It rewrites response URIs
// without parsing the JSON, everything outside the matches passes
// through byte for byte. Matches spanning chunk boundaries are handled
// by holding back a partial match tail until the following read
// decides it.
type replacingReader struct {
	reader   io.Reader
	old, new []byte
	buf      []byte
	pending  []byte
	tail     []byte
	err      error
}

func newReplacingReader(r io.Reader, old, new string) *replacingReader {
	return &replacingReader{
		reader: r,
		old:    []byte(old),
		new:    []byte(new),
		buf:    make([]byte, proxyBufferSize),
	}
}

func (r *replacingReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		r.fill()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *replacingReader) fill() {
	n, err := r.reader.Read(r.buf)

	chunk := make([]byte, 0, len(r.tail)+n)
	chunk = append(chunk, r.tail...)
	chunk = append(chunk, r.buf[:n]...)
	r.tail = nil

	// at a stream end nothing can complete a partial match anymore,
	// and bytes of a complete occurrence are never held back
	hold := 0
	if err == nil && len(r.old) > 0 {
		rest := chunk
		if i := bytes.LastIndex(chunk, r.old); i >= 0 {
			rest = chunk[i+len(r.old):]
		}

		hold = matchOverlap(rest, r.old)
	}

	if hold > 0 {
		r.tail = append([]byte(nil), chunk[len(chunk)-hold:]...)
		chunk = chunk[:len(chunk)-hold]
	}

	if len(r.old) > 0 {
		chunk = bytes.ReplaceAll(chunk, r.old, r.new)
	}

	r.pending = chunk
	r.err = err
}

// matchOverlap returns the length of the longest proper prefix of
// pattern that chunk ends with.
func matchOverlap(chunk, pattern []byte) int {
	max := len(pattern) - 1
	if max > len(chunk) {
		max = len(chunk)
	}

	for k := max; k > 0; k-- {
		if bytes.Equal(chunk[len(chunk)-k:], pattern[:k]) {
			return k
		}
	}

	return 0
}

// tokenScanner reports whether a byte sequence occurred anywhere in a
// stream fed to it chunk by chunk.
type tokenScanner struct {
	token []byte
	tail  []byte
	seen  bool
}

func newTokenScanner(token string) *tokenScanner {
	return &tokenScanner{token: []byte(token)}
}

func (s *tokenScanner) Feed(p []byte) {
	if s.seen {
		return
	}

	chunk := make([]byte, 0, len(s.tail)+len(p))
	chunk = append(chunk, s.tail...)
	chunk = append(chunk, p...)

	if bytes.Contains(chunk, s.token) {
		s.seen = true
		s.tail = nil
		return
	}

	hold := matchOverlap(chunk, s.token)
	s.tail = append([]byte(nil), chunk[len(chunk)-hold:]...)
}

func (s *tokenScanner) Seen() bool {
	return s.seen
}

// scanReader feeds every read chunk to the scanner on the way through.
type scanReader struct {
	reader  io.Reader
	scanner *tokenScanner
}

func (r scanReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.scanner.Feed(p[:n])
	}

	return n, err
}
