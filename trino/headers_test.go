package trino

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderFallback(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		header   http.Header
		expected string
	}{{
		msg:      "missing",
		header:   http.Header{},
		expected: "",
	}, {
		msg:      "trino spelling",
		header:   http.Header{"X-Trino-User": []string{"alice"}},
		expected: "alice",
	}, {
		msg:      "legacy spelling",
		header:   http.Header{"X-Presto-User": []string{"bob"}},
		expected: "bob",
	}, {
		msg: "trino wins over legacy",
		header: http.Header{
			"X-Trino-User":  []string{"alice"},
			"X-Presto-User": []string{"bob"},
		},
		expected: "alice",
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			assert.Equal(t, ti.expected, User(ti.header))
		})
	}
}

func TestClientTags(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		value    string
		expected []string
	}{{
		msg: "missing",
	}, {
		msg:      "single",
		value:    "etl",
		expected: []string{"etl"},
	}, {
		msg:      "multiple with spaces",
		value:    "etl, hourly ,critical",
		expected: []string{"etl", "hourly", "critical"},
	}, {
		msg:   "empty entries dropped",
		value: " , ,",
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			h := http.Header{}
			if ti.value != "" {
				h.Set(HeaderClientTags, ti.value)
			}
			assert.Equal(t, ti.expected, ClientTags(h))
		})
	}
}

func TestPreparedStatements(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderPreparedStatement, "q1=SELECT%201,q2=SELECT%20%2A%20FROM%20t%20WHERE%20a%3D%3F")

	stmts := PreparedStatements(h)
	assert.Equal(t, "SELECT 1", stmts["q1"])
	assert.Equal(t, "SELECT * FROM t WHERE a=?", stmts["q2"])
}

func TestPreparedStatementsFirstWins(t *testing.T) {
	h := http.Header{}
	h.Add(HeaderPreparedStatement, "q=SELECT%201")
	h.Add(HeaderPreparedStatement, "q=SELECT%202")

	stmts := PreparedStatements(h)
	assert.Equal(t, "SELECT 1", stmts["q"])
}

func TestPreparedStatementsEmpty(t *testing.T) {
	assert.Nil(t, PreparedStatements(http.Header{}))
}

func TestStripRoutingGroup(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderRoutingGroup, "etl")
	h.Set(HeaderPrestoRoutingGroup, "etl")

	assert.Equal(t, "etl", RoutingGroup(h))
	StripRoutingGroup(h)
	assert.Empty(t, RoutingGroup(h))
}
