package trino

import "net/http"

// RequestUser is the identity a request runs as. The user header is
// authoritative, HTTP basic auth credentials are the fallback for
// clients that only authenticate.
type RequestUser struct {
	User string
}

// Exists reports whether an identity was found on the request.
func (u RequestUser) Exists() bool {
	return u.User != ""
}

// ExistsAndEquals reports whether an identity was found and matches
// name. A missing identity never matches, not even the empty string.
func (u RequestUser) ExistsAndEquals(name string) bool {
	return u.User != "" && u.User == name
}

// ParseRequestUser extracts the request identity.
func ParseRequestUser(r *http.Request) RequestUser {
	if u := User(r.Header); u != "" {
		return RequestUser{User: u}
	}
	if name, _, ok := r.BasicAuth(); ok && name != "" {
		return RequestUser{User: name}
	}
	return RequestUser{}
}
