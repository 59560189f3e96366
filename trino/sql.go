package trino

import (
	"fmt"
	"strings"
)

// Query type values derived from the leading statement keyword.
const (
	QueryTypeSelect   = "SELECT"
	QueryTypeInsert   = "INSERT"
	QueryTypeUpdate   = "UPDATE"
	QueryTypeDelete   = "DELETE"
	QueryTypeExplain  = "EXPLAIN"
	QueryTypeDescribe = "DESCRIBE"
	QueryTypeShow     = "SHOW"
	QueryTypeCreate   = "CREATE"
	QueryTypeDrop     = "DROP"
	QueryTypeAlter    = "ALTER"
	QueryTypeUse      = "USE"
	QueryTypeCall     = "CALL"
	QueryTypeOther    = "other"
	QueryTypeUnknown  = "unknown"
)

// Resource group query type values, a coarser classification used by
// routing rules.
const (
	ResourceGroupDataDefinition = "DATA_DEFINITION"
	ResourceGroupDataManagement = "DATA_MANAGEMENT"
	ResourceGroupDescribe       = "DESCRIBE"
	ResourceGroupReadOnly       = "READ_ONLY"
	ResourceGroupUnknown        = "UNKNOWN"
)

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenQuotedIdent
	tokenString
	tokenNumber
	tokenPunct
)

type sqlToken struct {
	kind tokenKind
	text string
}

// keyword returns the uppercased text of an unquoted identifier token,
// or the empty string for any other token.
func (t sqlToken) keyword() string {
	if t.kind != tokenIdent {
		return ""
	}
	return strings.ToUpper(t.text)
}

// namePart returns the token text as a name component: unquoted
// identifiers fold to lower case, quoted ones keep their case.
func (t sqlToken) namePart() string {
	if t.kind == tokenIdent {
		return strings.ToLower(t.text)
	}
	return t.text
}

// scanSQL tokenizes a statement leniently: comments are stripped,
// quoted identifiers are unescaped, everything that is not an
// identifier, a literal or whitespace becomes a single-character
// punctuation token. An error is returned only for unterminated
// constructs.
func scanSQL(sql string) ([]sqlToken, error) {
	var tokens []sqlToken
	i := 0
	n := len(sql)

	for i < n {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += 2 + end + 2

		case c == '\'':
			text, next, err := scanQuoted(sql, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, sqlToken{tokenString, text})
			i = next

		case c == '"':
			text, next, err := scanQuoted(sql, i, '"')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, sqlToken{tokenQuotedIdent, text})
			i = next

		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(sql[i]) {
				i++
			}
			tokens = append(tokens, sqlToken{tokenIdent, sql[start:i]})

		case c >= '0' && c <= '9':
			start := i
			for i < n && (sql[i] >= '0' && sql[i] <= '9' || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E') {
				i++
			}
			tokens = append(tokens, sqlToken{tokenNumber, sql[start:i]})

		default:
			tokens = append(tokens, sqlToken{tokenPunct, string(c)})
			i++
		}
	}

	return tokens, nil
}

// scanQuoted reads a quoted region starting at the opening quote,
// returning the unescaped content and the index after the closing
// quote. The quote character escapes itself by doubling.
func scanQuoted(sql string, start int, quote byte) (string, int, error) {
	var b strings.Builder
	i := start + 1
	n := len(sql)

	for i < n {
		if sql[i] == quote {
			if i+1 < n && sql[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(sql[i])
		i++
	}

	return "", 0, fmt.Errorf("unterminated quote at offset %d", start)
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '$'
}

// statementStart returns the index of the statement's leading keyword,
// skipping an optional WITH prelude, and the set of names defined by
// the prelude. The prelude names shadow tables of the same name in the
// statement body.
func statementStart(tokens []sqlToken) (int, map[string]bool) {
	if len(tokens) == 0 || tokens[0].keyword() != "WITH" {
		return 0, nil
	}

	cteNames := make(map[string]bool)
	i := 1
	if i < len(tokens) && tokens[i].keyword() == "RECURSIVE" {
		i++
	}

	for i < len(tokens) {
		// name [(columns)] AS (body)
		if tokens[i].kind != tokenIdent && tokens[i].kind != tokenQuotedIdent {
			break
		}
		cteNames[tokens[i].namePart()] = true
		i++

		if i < len(tokens) && tokens[i].text == "(" {
			i = skipBalanced(tokens, i)
		}

		if i >= len(tokens) || tokens[i].keyword() != "AS" {
			break
		}
		i++

		if i >= len(tokens) || tokens[i].text != "(" {
			break
		}
		i = skipBalanced(tokens, i)

		if i < len(tokens) && tokens[i].kind == tokenPunct && tokens[i].text == "," {
			i++
			continue
		}
		break
	}

	return i, cteNames
}

// skipBalanced advances from an opening parenthesis to the index after
// its matching close. When unbalanced, it returns the end of the
// stream.
func skipBalanced(tokens []sqlToken, i int) int {
	depth := 0
	for ; i < len(tokens); i++ {
		if tokens[i].kind != tokenPunct {
			continue
		}
		switch tokens[i].text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// classifyKeyword maps the leading statement keyword to the query type
// enumeration.
func classifyKeyword(kw string) string {
	switch kw {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "EXPLAIN", "DESCRIBE",
		"SHOW", "CREATE", "DROP", "ALTER", "USE", "CALL":
		return kw
	case "DESC":
		return QueryTypeDescribe
	case "":
		return QueryTypeUnknown
	default:
		return QueryTypeOther
	}
}

// resourceGroupType maps the leading statement keyword to the resource
// group classification. The mapping works on the raw keyword rather
// than the collapsed query type, so statements like MERGE and ANALYZE
// keep their management classification.
func resourceGroupType(kw string) string {
	switch kw {
	case "SELECT", "SHOW", "EXPLAIN", "VALUES", "TABLE":
		return ResourceGroupReadOnly
	case "DESCRIBE", "DESC":
		return ResourceGroupDescribe
	case "INSERT", "UPDATE", "DELETE", "MERGE", "ANALYZE", "REFRESH", "CALL":
		return ResourceGroupDataManagement
	case "CREATE", "DROP", "ALTER", "GRANT", "REVOKE", "DENY", "COMMENT",
		"SET", "RESET", "START", "COMMIT", "ROLLBACK", "PREPARE",
		"DEALLOCATE", "USE":
		return ResourceGroupDataDefinition
	default:
		return ResourceGroupUnknown
	}
}

// tableRef is a possibly under-qualified reference harvested from a
// statement.
type tableRef struct {
	parts    []string
	isSchema bool
}

// harvestRefs collects table and schema references from the token
// stream: names after FROM, JOIN, INSERT INTO, MERGE INTO, UPDATE,
// CREATE TABLE, DROP TABLE, ALTER TABLE, DESCRIBE, TABLE(...) and the
// schema references of SHOW TABLES FROM and USE. Names defined by a
// WITH prelude are skipped.
func harvestRefs(tokens []sqlToken, start int, cteNames map[string]bool) []tableRef {
	var refs []tableRef

	addTable := func(parts []string) {
		if len(parts) == 1 && cteNames[parts[0]] {
			return
		}
		refs = append(refs, tableRef{parts: parts})
	}

	for i := 0; i < len(tokens); i++ {
		switch tokens[i].keyword() {
		case "FROM":
			if i >= 2 && tokens[i-2].keyword() == "SHOW" && tokens[i-1].keyword() == "TABLES" {
				if parts, _ := qualifiedName(tokens, i+1); parts != nil {
					refs = append(refs, tableRef{parts: parts, isSchema: true})
				}
				continue
			}
			i = harvestNameList(tokens, i+1, addTable) - 1

		case "IN":
			if i >= 2 && tokens[i-2].keyword() == "SHOW" && tokens[i-1].keyword() == "TABLES" {
				if parts, _ := qualifiedName(tokens, i+1); parts != nil {
					refs = append(refs, tableRef{parts: parts, isSchema: true})
				}
			}

		case "JOIN":
			i = harvestSingleName(tokens, i+1, addTable) - 1

		case "INTO":
			if i >= 1 {
				if kw := tokens[i-1].keyword(); kw == "INSERT" || kw == "MERGE" {
					i = harvestSingleName(tokens, i+1, addTable) - 1
				}
			}

		case "UPDATE":
			// Only harvest when the name is followed by SET, which
			// separates UPDATE statements from other uses of the word.
			if parts, next := qualifiedName(tokens, i+1); parts != nil {
				if next < len(tokens) && tokens[next].keyword() == "SET" {
					addTable(parts)
					i = next - 1
				}
			}

		case "TABLE":
			if i >= 1 {
				if kw := tokens[i-1].keyword(); kw == "CREATE" || kw == "DROP" || kw == "ALTER" {
					i = harvestSingleName(tokens, skipIfExists(tokens, i+1), addTable) - 1
					continue
				}
			}
			if i+1 < len(tokens) && tokens[i+1].text == "(" {
				// table function: TABLE(name(...))
				i = harvestSingleName(tokens, i+2, addTable) - 1
			} else if i == start {
				i = harvestSingleName(tokens, i+1, addTable) - 1
			}

		case "DESCRIBE", "DESC":
			if i == start {
				i = harvestSingleName(tokens, i+1, addTable) - 1
			}

		case "USE":
			if i == start {
				if parts, _ := qualifiedName(tokens, i+1); parts != nil {
					refs = append(refs, tableRef{parts: parts, isSchema: true})
				}
			}
		}
	}

	return refs
}

// skipIfExists advances over IF EXISTS and IF NOT EXISTS.
func skipIfExists(tokens []sqlToken, i int) int {
	if i < len(tokens) && tokens[i].keyword() == "IF" {
		i++
		if i < len(tokens) && tokens[i].keyword() == "NOT" {
			i++
		}
		if i < len(tokens) && tokens[i].keyword() == "EXISTS" {
			i++
		}
	}
	return i
}

// harvestNameList parses a comma separated list of table names,
// tolerating aliases. It stops at the first token that cannot
// continue the list and returns the index to resume from.
func harvestNameList(tokens []sqlToken, i int, add func([]string)) int {
	for {
		i = harvestSingleName(tokens, i, add)

		// optional AS and alias
		if i < len(tokens) && tokens[i].keyword() == "AS" {
			i++
		}
		if i < len(tokens) && (tokens[i].kind == tokenIdent || tokens[i].kind == tokenQuotedIdent) && !isReserved(tokens[i].keyword()) {
			i++
		}

		if i < len(tokens) && tokens[i].kind == tokenPunct && tokens[i].text == "," {
			i++
			continue
		}
		return i
	}
}

// harvestSingleName parses one qualified name. Subqueries are skipped
// without recording a reference, table functions record the function
// name.
func harvestSingleName(tokens []sqlToken, i int, add func([]string)) int {
	if i < len(tokens) && tokens[i].kind == tokenPunct && tokens[i].text == "(" {
		return i
	}

	if i+1 < len(tokens) && tokens[i].keyword() == "TABLE" && tokens[i+1].text == "(" {
		harvestSingleName(tokens, i+2, add)
		return skipBalanced(tokens, i+1)
	}

	parts, next := qualifiedName(tokens, i)
	if parts == nil {
		return i
	}

	// a trailing open parenthesis marks a function call
	if next < len(tokens) && tokens[next].kind == tokenPunct && tokens[next].text == "(" {
		add(parts)
		return skipBalanced(tokens, next)
	}

	add(parts)
	return next
}

// qualifiedName reads ident(.ident)* starting at i. Unquoted parts
// fold to lower case the way the engine resolves them, quoted parts
// keep their case. It returns nil when i does not begin a name.
func qualifiedName(tokens []sqlToken, i int) ([]string, int) {
	if i >= len(tokens) {
		return nil, i
	}
	if tokens[i].kind != tokenIdent && tokens[i].kind != tokenQuotedIdent {
		return nil, i
	}
	if tokens[i].kind == tokenIdent && isReserved(tokens[i].keyword()) {
		return nil, i
	}

	parts := []string{tokens[i].namePart()}
	i++

	for i+1 < len(tokens) &&
		tokens[i].kind == tokenPunct && tokens[i].text == "." &&
		(tokens[i+1].kind == tokenIdent || tokens[i+1].kind == tokenQuotedIdent) {
		parts = append(parts, tokens[i+1].namePart())
		i += 2
	}

	return parts, i
}

// isReserved lists keywords that terminate a name or alias position.
// The list is not the full reserved word list of the SQL dialect, only
// what the harvester needs to not confuse clauses with aliases.
func isReserved(kw string) bool {
	switch kw {
	case "SELECT", "FROM", "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT",
		"OFFSET", "FETCH", "JOIN", "INNER", "LEFT", "RIGHT", "FULL",
		"CROSS", "NATURAL", "ON", "USING", "UNION", "INTERSECT",
		"EXCEPT", "AS", "SET", "VALUES", "INSERT", "UPDATE", "DELETE",
		"MERGE", "INTO", "WITH", "TABLESAMPLE", "UNNEST", "LATERAL",
		"WHEN", "THEN", "ELSE", "END", "AND", "OR", "NOT":
		return true
	}
	return false
}
