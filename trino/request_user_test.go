package trino

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequestUser(t *testing.T) {
	t.Run("from header", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/statement", nil)
		r.Header.Set(HeaderUser, "alice")

		u := ParseRequestUser(r)
		assert.True(t, u.Exists())
		assert.Equal(t, "alice", u.User)
	})

	t.Run("header wins over basic auth", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/statement", nil)
		r.Header.Set(HeaderUser, "alice")
		r.SetBasicAuth("bob", "secret")

		assert.Equal(t, "alice", ParseRequestUser(r).User)
	})

	t.Run("basic auth fallback", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/statement", nil)
		r.SetBasicAuth("bob", "secret")

		assert.Equal(t, "bob", ParseRequestUser(r).User)
	})

	t.Run("anonymous", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/info", nil)

		u := ParseRequestUser(r)
		assert.False(t, u.Exists())
		assert.False(t, u.ExistsAndEquals(""))
	})
}

func TestExistsAndEquals(t *testing.T) {
	u := RequestUser{User: "alice"}
	assert.True(t, u.ExistsAndEquals("alice"))
	assert.False(t, u.ExistsAndEquals("bob"))
	assert.False(t, RequestUser{}.ExistsAndEquals("alice"))
}
