package logging

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// LoggingWriter wraps an http.ResponseWriter and records the status
// code and the number of bytes written, for access logging.
type LoggingWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

// NewLoggingWriter wraps w.
func NewLoggingWriter(w http.ResponseWriter) *LoggingWriter {
	return &LoggingWriter{writer: w}
}

func (lw *LoggingWriter) Write(data []byte) (count int, err error) {
	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *LoggingWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = 200
	}
	lw.code = code
}

func (lw *LoggingWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *LoggingWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *LoggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hij, ok := lw.writer.(http.Hijacker); ok {
		return hij.Hijack()
	}
	return nil, nil, fmt.Errorf("could not hijack connection")
}

// Code returns the status code written to the response, or 200 when
// the handler never called WriteHeader.
func (lw *LoggingWriter) Code() int {
	if lw.code == 0 {
		return http.StatusOK
	}
	return lw.code
}

// Bytes returns the number of body bytes written so far.
func (lw *LoggingWriter) Bytes() int64 {
	return lw.bytes
}
