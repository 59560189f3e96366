package logging

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const logOutput = `127.0.0.1 - - [10/Oct/2000:13:55:36 -0700] "GET /v1/statement HTTP/1.1" 418 2326 "" "" 42 127.0.0.1 -`

func testRequest() *http.Request {
	r, _ := http.NewRequest("GET", "http://127.0.0.1", nil)
	r.RequestURI = "/v1/statement"
	r.RemoteAddr = "127.0.0.1"
	return r
}

func testDate() time.Time {
	l := time.FixedZone("foo", -7*3600)
	return time.Date(2000, 10, 10, 13, 55, 36, 0, l)
}

func testAccessEntry() *AccessEntry {
	return &AccessEntry{
		Request:      testRequest(),
		ResponseSize: 2326,
		StatusCode:   http.StatusTeapot,
		RequestTime:  testDate(),
		Duration:     42 * time.Millisecond}
}

func testAccessLog(t *testing.T, entry *AccessEntry, expectedOutput string) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{AccessLogOutput: &buf}))
	LogAccess(entry)
	got := buf.String()
	if got != "" {
		got = got[:len(got)-1]
	}

	if got != expectedOutput {
		t.Error("got wrong access log.")
		t.Log("expected:", expectedOutput)
		t.Log("got     :", got)
	}
}

func TestAccessLogFormatFull(t *testing.T) {
	testAccessLog(t, testAccessEntry(), logOutput)
}

func TestAccessLogIgnoresEmptyEntry(t *testing.T) {
	testAccessLog(t, nil, "")
}

func TestNoPanicOnMissingRequest(t *testing.T) {
	entry := testAccessEntry()
	entry.Request = nil
	testAccessLog(t, entry, `- - - [10/Oct/2000:13:55:36 -0700] "  " 418 2326 "" "" 42  -`)
}

func TestUseXForwarded(t *testing.T) {
	entry := testAccessEntry()
	entry.Request.Header.Set("X-Forwarded-For", "192.168.3.3")
	testAccessLog(t, entry, `192.168.3.3 - - [10/Oct/2000:13:55:36 -0700] "GET /v1/statement HTTP/1.1" 418 2326 "" "" 42 127.0.0.1 -`)
}

func TestStripPortFwd4(t *testing.T) {
	entry := testAccessEntry()
	entry.Request.Header.Set("X-Forwarded-For", "192.168.3.3:6969")
	testAccessLog(t, entry, `192.168.3.3 - - [10/Oct/2000:13:55:36 -0700] "GET /v1/statement HTTP/1.1" 418 2326 "" "" 42 127.0.0.1 -`)
}

func TestStripPortNoFwd4(t *testing.T) {
	entry := testAccessEntry()
	entry.Request.RemoteAddr = "192.168.3.3:6969"
	testAccessLog(t, entry, `192.168.3.3 - - [10/Oct/2000:13:55:36 -0700] "GET /v1/statement HTTP/1.1" 418 2326 "" "" 42 127.0.0.1 -`)
}

func TestAccessLogWithFlowID(t *testing.T) {
	entry := testAccessEntry()
	entry.FlowID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	testAccessLog(t, entry, `127.0.0.1 - - [10/Oct/2000:13:55:36 -0700] "GET /v1/statement HTTP/1.1" 418 2326 "" "" 42 127.0.0.1 01ARZ3NDEKTSV4RRFFQ69G5FAV`)
}

func TestInvalidLogLevel(t *testing.T) {
	require.Error(t, Init(Options{ApplicationLogLevel: "not-a-level"}))
}

func TestLoggingWriterCapturesStatusAndSize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{AccessLogOutput: &buf}))

	rec := newTestResponseWriter()
	lw := NewLoggingWriter(rec)
	lw.WriteHeader(http.StatusAccepted)
	_, err := lw.Write([]byte("hello"))
	require.NoError(t, err)

	require.Equal(t, http.StatusAccepted, lw.Code())
	require.Equal(t, int64(5), lw.Bytes())
}

type testResponseWriter struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func newTestResponseWriter() *testResponseWriter {
	return &testResponseWriter{header: make(http.Header)}
}

func (w *testResponseWriter) Header() http.Header         { return w.header }
func (w *testResponseWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *testResponseWriter) WriteHeader(code int)        { w.code = code }
