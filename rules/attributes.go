package rules

import (
	"net/http"

	"github.com/trinogate/trinogate/trino"
)

// Attributes builds the evaluation scope for one request: the
// attribute views of the authenticated user, the parsed query and the
// HTTP request, plus a fresh result bag for the rule actions to write
// to. The scope is rebuilt per request, rules never see each other's
// requests.
func Attributes(r *http.Request, user trino.RequestUser, props trino.QueryProperties) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return map[string]any{
		"trinoRequestUser": map[string]any{
			"user": user.User,
		},
		"trinoQueryProperties": map[string]any{
			"queryType":              props.QueryType,
			"resourceGroupQueryType": props.ResourceGroupQueryType,
			"tables":                 props.Tables,
			"catalogs":               props.Catalogs,
			"schemas":                props.Schemas,
			"catalogSchemas":         props.CatalogSchemas,
			"unqualified":            props.Unqualified,
			"defaultCatalog":         props.DefaultCatalog,
			"defaultSchema":          props.DefaultSchema,
			"newQuerySubmission":     props.NewQuerySubmission,
		},
		"request": map[string]any{
			"method":             r.Method,
			"path":               r.URL.Path,
			"source":             trino.Source(r.Header),
			"clientInfo":         trino.ClientInfo(r.Header),
			"clientTags":         trino.ClientTags(r.Header),
			"preparedStatements": trino.PreparedStatements(r.Header),
			"headers":            headers,
		},
		"result":                    map[string]any{},
		"RESULTS_ROUTING_GROUP_KEY": RoutingGroupKey,
	}
}
