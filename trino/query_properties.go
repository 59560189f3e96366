package trino

import (
	"fmt"
	"net/http"
	"strings"
)

// QueryProperties is the routing view of a statement body: the query
// classification, the referenced identifiers qualified against the
// session defaults, and the session defaults themselves. It is derived
// by lightweight tokenization, not by full parsing, and degrades to a
// minimal view when the body cannot be scanned.
type QueryProperties struct {
	QueryType              string
	ResourceGroupQueryType string

	// Identifier sets in order of appearance, deduplicated. Tables
	// holds fully qualified catalog.schema.table references, Catalogs,
	// Schemas and CatalogSchemas the projections of every qualified
	// reference. References that cannot be qualified because a session
	// default is missing appear only in Unqualified.
	Tables         []string
	Catalogs       []string
	Schemas        []string
	CatalogSchemas []string
	Unqualified    []string

	DefaultCatalog string
	DefaultSchema  string

	NewQuerySubmission bool
}

// HasTable reports whether the statement references the given fully
// qualified table.
func (p *QueryProperties) HasTable(name string) bool {
	for _, t := range p.Tables {
		if t == name {
			return true
		}
	}
	return false
}

// ParseQueryProperties extracts the routing view from a statement
// body. Session defaults and prepared statements come from the request
// headers. On scan failure the returned view carries the unknown
// classification together with the error, and stays usable for rule
// evaluation.
func ParseQueryProperties(body string, h http.Header, newSubmission bool) (QueryProperties, error) {
	p := QueryProperties{
		QueryType:              QueryTypeUnknown,
		ResourceGroupQueryType: ResourceGroupUnknown,
		DefaultCatalog:         Catalog(h),
		DefaultSchema:          Schema(h),
		NewQuerySubmission:     newSubmission,
	}

	tokens, err := scanSQL(body)
	if err != nil {
		return p, err
	}

	start, cteNames := statementStart(tokens)
	if start >= len(tokens) {
		return p, fmt.Errorf("empty statement")
	}

	kw := tokens[start].keyword()
	if kw == "EXECUTE" {
		resolved, err := resolveExecute(tokens, start, h)
		if err != nil {
			return p, err
		}
		if tokens, err = scanSQL(resolved); err != nil {
			return p, err
		}
		if start, cteNames = statementStart(tokens); start >= len(tokens) {
			return p, fmt.Errorf("empty prepared statement")
		}
		kw = tokens[start].keyword()
	}

	p.QueryType = classifyKeyword(kw)
	p.ResourceGroupQueryType = resourceGroupType(kw)

	seen := make(map[string]bool)
	for _, ref := range harvestRefs(tokens, start, cteNames) {
		if ref.isSchema {
			if parts, ok := p.qualifySchema(ref.parts); ok {
				p.addSchema(seen, parts[0], parts[1])
			} else {
				p.Unqualified = appendUnique(p.Unqualified, seen, "unq:"+joinName(ref.parts), joinName(ref.parts))
			}
			continue
		}
		if parts, ok := p.qualifyTable(ref.parts); ok {
			p.Tables = appendUnique(p.Tables, seen, "table:"+joinName(parts), joinName(parts))
			p.addSchema(seen, parts[0], parts[1])
		} else {
			p.Unqualified = appendUnique(p.Unqualified, seen, "unq:"+joinName(ref.parts), joinName(ref.parts))
		}
	}

	return p, nil
}

// addSchema records the catalog, schema and catalog.schema projections
// of a qualified reference.
func (p *QueryProperties) addSchema(seen map[string]bool, catalog, schema string) {
	p.Catalogs = appendUnique(p.Catalogs, seen, "cat:"+catalog, catalog)
	p.Schemas = appendUnique(p.Schemas, seen, "sch:"+schema, schema)
	p.CatalogSchemas = appendUnique(p.CatalogSchemas, seen, "cs:"+catalog+"."+schema, catalog+"."+schema)
}

func appendUnique(list []string, seen map[string]bool, key, name string) []string {
	if seen[key] {
		return list
	}
	seen[key] = true
	return append(list, name)
}

// qualifyTable completes a reference to catalog.schema.table using the
// session defaults. It reports false when a needed default is missing
// or the reference has too many parts.
func (p *QueryProperties) qualifyTable(parts []string) ([]string, bool) {
	switch len(parts) {
	case 3:
		return parts, true
	case 2:
		if p.DefaultCatalog == "" {
			return nil, false
		}
		return []string{p.DefaultCatalog, parts[0], parts[1]}, true
	case 1:
		if p.DefaultCatalog == "" || p.DefaultSchema == "" {
			return nil, false
		}
		return []string{p.DefaultCatalog, p.DefaultSchema, parts[0]}, true
	default:
		return nil, false
	}
}

// qualifySchema completes a reference to catalog.schema.
func (p *QueryProperties) qualifySchema(parts []string) ([]string, bool) {
	switch len(parts) {
	case 2:
		return parts, true
	case 1:
		if p.DefaultCatalog == "" {
			return nil, false
		}
		return []string{p.DefaultCatalog, parts[0]}, true
	default:
		return nil, false
	}
}

// joinName renders name parts in their canonical dot-joined form.
// Quoting is not re-applied, the result is a lookup key, not SQL.
func joinName(parts []string) string {
	return strings.Join(parts, ".")
}

// resolveExecute returns the statement text behind EXECUTE name or
// EXECUTE IMMEDIATE 'sql'. Named statements resolve through the
// prepared statement header.
func resolveExecute(tokens []sqlToken, start int, h http.Header) (string, error) {
	i := start + 1
	if i >= len(tokens) {
		return "", fmt.Errorf("EXECUTE without a statement name")
	}

	if tokens[i].keyword() == "IMMEDIATE" {
		i++
		if i >= len(tokens) || tokens[i].kind != tokenString {
			return "", fmt.Errorf("EXECUTE IMMEDIATE without a statement literal")
		}
		return tokens[i].text, nil
	}

	if tokens[i].kind != tokenIdent && tokens[i].kind != tokenQuotedIdent {
		return "", fmt.Errorf("EXECUTE without a statement name")
	}

	name := tokens[i].namePart()
	prepared := PreparedStatements(h)
	sql, ok := prepared[name]
	if !ok {
		sql, ok = prepared[tokens[i].text]
	}
	if !ok {
		return "", fmt.Errorf("prepared statement %q not found", name)
	}
	return sql, nil
}
