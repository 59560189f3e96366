package trino

import (
	"regexp"
	"strings"
)

// Query ids have the form YYYYMMDD_HHMMSS_NNNNN_xxxxx, assigned by the
// coordinator that accepted the statement.
var queryIDRe = regexp.MustCompile(`^\d{8}_\d{6}_\d{5}_[a-zA-Z0-9]+$`)

// Statement protocol paths.
const (
	StatementPath = "/v1/statement"
	QueryAPIPath  = "/v1/query"
	UIQueryPath   = "/ui/api/query"
	InfoPath      = "/v1/info"
	NodePath      = "/v1/node"
	UIPath        = "/ui"
)

// ValidQueryID reports whether s is syntactically a Trino query id.
func ValidQueryID(s string) bool {
	return queryIDRe.MatchString(s)
}

// QueryIDFromPath returns the first path segment that parses as a
// query id, or the empty string. This covers the queued and executing
// statement URIs, the query API and the UI API:
//
//	/v1/statement/queued/{queryId}/{slug}/{token}
//	/v1/statement/executing/{queryId}/{slug}/{token}
//	/v1/query/{queryId}
//	/ui/api/query/{queryId}
func QueryIDFromPath(path string) string {
	for _, segment := range strings.Split(path, "/") {
		if ValidQueryID(segment) {
			return segment
		}
	}
	return ""
}

// QueryIDFromRequest returns the query id carried by the request URI,
// looking at the path first and falling back to the raw query string,
// which the web UI uses (/ui/query.html?20240101_000000_00001_abcde).
func QueryIDFromRequest(path, rawQuery string) string {
	if id := QueryIDFromPath(path); id != "" {
		return id
	}
	if ValidQueryID(rawQuery) {
		return rawQuery
	}
	return ""
}
