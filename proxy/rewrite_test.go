package proxy

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out the data in fixed size pieces so that matches
// fall on read boundaries.
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}

	n := r.size
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}

	n = copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReplacingReader(t *testing.T) {
	const (
		backend = "http://10.0.0.7:8080"
		gateway = "http://gateway.example:9080"
	)

	for _, ti := range []struct {
		msg      string
		input    string
		old, new string
	}{{
		msg:   "single match",
		input: `{"nextUri":"` + backend + `/v1/statement/queued/x/1"}`,
		old:   backend,
		new:   gateway,
	}, {
		msg: "multiple matches",
		input: `{"infoUri":"` + backend + `/ui/query.html?x",` +
			`"nextUri":"` + backend + `/v1/statement/queued/x/1",` +
			`"partialCancelUri":"` + backend + `/v1/statement/executing/partialCancel/x/0/1"}`,
		old: backend,
		new: gateway,
	}, {
		msg:   "no match",
		input: `{"id":"x","stats":{"state":"FINISHED"}}`,
		old:   backend,
		new:   gateway,
	}, {
		msg:   "replacement shorter than match",
		input: `{"nextUri":"` + backend + `/v1"}`,
		old:   backend,
		new:   "http://g:1",
	}, {
		msg:   "input ends with partial match",
		input: `{"nextUri":"http:/`,
		old:   backend,
		new:   gateway,
	}, {
		msg:   "input is exactly the match",
		input: backend,
		old:   backend,
		new:   gateway,
	}, {
		msg:   "match at the very end",
		input: `uri is ` + backend,
		old:   backend,
		new:   gateway,
	}, {
		msg:   "match end overlaps match start",
		input: "baa",
		old:   "aa",
		new:   "X",
	}, {
		msg:   "empty pattern passes through",
		input: "hello world",
		old:   "",
		new:   gateway,
	}, {
		msg:   "empty input",
		input: "",
		old:   backend,
		new:   gateway,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			expect := ti.input
			if ti.old != "" {
				expect = strings.ReplaceAll(ti.input, ti.old, ti.new)
			}

			// every chunking must yield the same output
			for size := 1; size <= len(ti.input)+1; size++ {
				r := newReplacingReader(&chunkReader{data: []byte(ti.input), size: size}, ti.old, ti.new)
				got, err := io.ReadAll(r)
				require.NoError(t, err)
				require.Equal(t, expect, string(got), "chunk size %d", size)
			}
		})
	}
}

func TestReplacingReaderRoundTrip(t *testing.T) {
	const (
		backend = "http://10.0.0.7:8080"
		gateway = "http://gateway.example:9080"
	)

	input := `{"id":"20240101_000000_00001_abcde",` +
		`"infoUri":"` + backend + `/ui/query.html?20240101_000000_00001_abcde",` +
		`"nextUri":"` + backend + `/v1/statement/queued/20240101_000000_00001_abcde/xa/1",` +
		`"stats":{"state":"QUEUED","queued":true}}`

	r := newReplacingReader(&chunkReader{data: []byte(input), size: 7}, backend, gateway)
	got, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.NotContains(t, string(got), backend)
	assert.Contains(t, string(got), gateway+"/v1/statement/queued/")

	// substituting back restores the original payload byte for byte
	assert.Equal(t, input, strings.ReplaceAll(string(got), gateway, backend))
}

func TestMatchOverlap(t *testing.T) {
	for _, ti := range []struct {
		msg     string
		chunk   string
		pattern string
		overlap int
	}{{
		msg:     "no overlap",
		chunk:   "xyz",
		pattern: "http",
		overlap: 0,
	}, {
		msg:     "partial prefix at end",
		chunk:   "uri is htt",
		pattern: "http",
		overlap: 3,
	}, {
		msg:     "single byte overlap",
		chunk:   "xh",
		pattern: "http",
		overlap: 1,
	}, {
		msg:     "chunk shorter than pattern",
		chunk:   "htt",
		pattern: "http",
		overlap: 3,
	}, {
		msg:     "complete pattern is no overlap",
		chunk:   "http",
		pattern: "http",
		overlap: 0,
	}, {
		msg:     "empty chunk",
		chunk:   "",
		pattern: "http",
		overlap: 0,
	}, {
		msg:     "single byte pattern",
		chunk:   "aaa",
		pattern: "a",
		overlap: 0,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			assert.Equal(t, ti.overlap, matchOverlap([]byte(ti.chunk), []byte(ti.pattern)))
		})
	}
}

func TestTokenScanner(t *testing.T) {
	t.Run("token in one chunk", func(t *testing.T) {
		s := newTokenScanner(`"nextUri"`)
		s.Feed([]byte(`{"id":"x","nextUri":"http://b/1"}`))
		assert.True(t, s.Seen())
	})

	t.Run("token split across chunks", func(t *testing.T) {
		s := newTokenScanner(`"nextUri"`)
		s.Feed([]byte(`{"id":"x","next`))
		assert.False(t, s.Seen())
		s.Feed([]byte(`Uri":"http://b/1"}`))
		assert.True(t, s.Seen())
	})

	t.Run("token absent", func(t *testing.T) {
		s := newTokenScanner(`"nextUri"`)
		s.Feed([]byte(`{"id":"x","stats":{"state":"FINISHED"}}`))
		assert.False(t, s.Seen())
	})

	t.Run("byte by byte", func(t *testing.T) {
		s := newTokenScanner(`"nextUri"`)
		for _, b := range []byte(`..."nextUri"...`) {
			s.Feed([]byte{b})
		}
		assert.True(t, s.Seen())
	})

	t.Run("stays seen", func(t *testing.T) {
		s := newTokenScanner(`"nextUri"`)
		s.Feed([]byte(`"nextUri"`))
		s.Feed([]byte(`unrelated`))
		assert.True(t, s.Seen())
	})
}

func TestScanReader(t *testing.T) {
	s := newTokenScanner(`"nextUri"`)
	r := scanReader{
		reader:  &chunkReader{data: []byte(`{"id":"x","nextUri":"http://b/1"}`), size: 5},
		scanner: s,
	}

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x","nextUri":"http://b/1"}`, string(got))
	assert.True(t, s.Seen())
}
