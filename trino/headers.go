// Package trino implements the subset of the Trino HTTP protocol that
// the gateway inspects: client headers, query ids, statement bodies
// and the response fields that carry follow-up URIs.
package trino

import (
	"net/http"
	"net/url"
	"strings"
)

// Client protocol headers. The X-Presto-* spellings are accepted from
// legacy clients, the X-Trino-* spelling wins when both are present.
const (
	HeaderUser              = "X-Trino-User"
	HeaderSource            = "X-Trino-Source"
	HeaderCatalog           = "X-Trino-Catalog"
	HeaderSchema            = "X-Trino-Schema"
	HeaderClientInfo        = "X-Trino-Client-Info"
	HeaderClientTags        = "X-Trino-Client-Tags"
	HeaderPreparedStatement = "X-Trino-Prepared-Statement"
	HeaderTraceToken        = "X-Trino-Trace-Token"
	HeaderRoutingGroup      = "X-Trino-Routing-Group"

	HeaderPrestoUser              = "X-Presto-User"
	HeaderPrestoSource            = "X-Presto-Source"
	HeaderPrestoCatalog           = "X-Presto-Catalog"
	HeaderPrestoSchema            = "X-Presto-Schema"
	HeaderPrestoClientInfo        = "X-Presto-Client-Info"
	HeaderPrestoClientTags        = "X-Presto-Client-Tags"
	HeaderPrestoPreparedStatement = "X-Presto-Prepared-Statement"
	HeaderPrestoRoutingGroup      = "X-Presto-Routing-Group"
)

// header returns the first non-empty value among the Trino and the
// legacy Presto spelling of a protocol header.
func header(h http.Header, trino, presto string) string {
	if v := h.Get(trino); v != "" {
		return v
	}
	return h.Get(presto)
}

// User returns the requesting user from the protocol headers.
func User(h http.Header) string {
	return header(h, HeaderUser, HeaderPrestoUser)
}

// Source returns the client source from the protocol headers.
func Source(h http.Header) string {
	return header(h, HeaderSource, HeaderPrestoSource)
}

// Catalog returns the session default catalog from the protocol
// headers.
func Catalog(h http.Header) string {
	return header(h, HeaderCatalog, HeaderPrestoCatalog)
}

// Schema returns the session default schema from the protocol headers.
func Schema(h http.Header) string {
	return header(h, HeaderSchema, HeaderPrestoSchema)
}

// ClientInfo returns the client info from the protocol headers.
func ClientInfo(h http.Header) string {
	return header(h, HeaderClientInfo, HeaderPrestoClientInfo)
}

// ClientTags returns the set of client tags from the comma separated
// protocol header.
func ClientTags(h http.Header) []string {
	v := header(h, HeaderClientTags, HeaderPrestoClientTags)
	if v == "" {
		return nil
	}

	var tags []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// RoutingGroup returns the routing group requested by the client, if
// any.
func RoutingGroup(h http.Header) string {
	return header(h, HeaderRoutingGroup, HeaderPrestoRoutingGroup)
}

// StripRoutingGroup removes the gateway's routing group headers before
// the request is forwarded to a backend.
func StripRoutingGroup(h http.Header) {
	h.Del(HeaderRoutingGroup)
	h.Del(HeaderPrestoRoutingGroup)
}

// PreparedStatements decodes the prepared statement headers into a
// name to SQL mapping. Each header value holds comma separated
// name=sql pairs with the name and the sql URL-encoded. Undecodable
// pairs are skipped.
func PreparedStatements(h http.Header) map[string]string {
	values := append([]string{}, h.Values(HeaderPreparedStatement)...)
	values = append(values, h.Values(HeaderPrestoPreparedStatement)...)
	if len(values) == 0 {
		return nil
	}

	statements := make(map[string]string)
	for _, v := range values {
		for _, pair := range strings.Split(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}

			name, sql, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}

			decodedName, err := url.QueryUnescape(name)
			if err != nil {
				continue
			}
			decodedSQL, err := url.QueryUnescape(sql)
			if err != nil {
				continue
			}

			if _, exists := statements[decodedName]; !exists {
				statements[decodedName] = decodedSQL
			}
		}
	}

	if len(statements) == 0 {
		return nil
	}
	return statements
}
