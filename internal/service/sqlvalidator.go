package service

import (
	"fmt"
	"strings"
)

// forbiddenStatementKeywords are statement-leading keywords the validator
// rejects outright (§4.5 step 4). Checked case-insensitively against the
// first non-whitespace token of the (fence-stripped) statement.
var forbiddenStatementKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "COPY": true, "MERGE": true, "CALL": true,
	"EXPLAIN": true, "VACUUM": true, "REINDEX": true, "SET": true,
}

// sqlValidationError carries the human-readable reason fed back into a
// single retry prompt (§4.5: "retry generation... with the validator's
// reason injected as feedback").
type sqlValidationError struct {
	reason string
}

func (e *sqlValidationError) Error() string { return e.reason }

// ValidateSQL statically validates a generated SQL statement per §4.5 step
// 4: must parse as exactly one SELECT statement, reference only tables
// present in allowedTables, and contain no multi-statement separator.
//
// No SQL-parsing library appears anywhere in the retrieval pack (checked
// for sqlparser/pg_query/vitess/cockroachdb-tree equivalents), so this is
// a hand-written tokenizer rather than an AST-based validator — the single
// part of the tabular planner built on the standard library alone, noted
// in DESIGN.md.
func ValidateSQL(sql string, allowedTables map[string]bool) (string, error) {
	cleaned := stripSQLFences(sql)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", &sqlValidationError{"generated statement is empty"}
	}

	statements := splitStatements(cleaned)
	if len(statements) == 0 {
		return "", &sqlValidationError{"no statement found"}
	}
	if len(statements) > 1 {
		return "", &sqlValidationError{"multiple statements are not allowed"}
	}
	stmt := strings.TrimSpace(statements[0])

	tokens := tokenizeSQL(stmt)
	if len(tokens) == 0 {
		return "", &sqlValidationError{"statement has no tokens"}
	}

	leading := strings.ToUpper(tokens[0])
	if leading != "SELECT" && leading != "WITH" {
		if forbiddenStatementKeywords[leading] {
			return "", &sqlValidationError{fmt.Sprintf("statement type %q is not permitted, only SELECT is allowed", leading)}
		}
		return "", &sqlValidationError{fmt.Sprintf("statement must start with SELECT, got %q", leading)}
	}

	for _, t := range tokens {
		up := strings.ToUpper(t)
		if forbiddenStatementKeywords[up] {
			return "", &sqlValidationError{fmt.Sprintf("keyword %q is not permitted inside a SELECT", up)}
		}
	}

	// Names a WITH clause defines ("name AS (SELECT ...") are not tables.
	cteNames := map[string]bool{}
	if leading == "WITH" {
		for i := 1; i+1 < len(tokens); i++ {
			if strings.EqualFold(tokens[i], "AS") && strings.EqualFold(tokens[i+1], "SELECT") {
				cteNames[strings.ToLower(tokens[i-1])] = true
			}
		}
	}

	refs := referencedTables(tokens)
	for _, t := range refs {
		if !allowedTables[strings.ToLower(t)] && !cteNames[strings.ToLower(t)] {
			return "", &sqlValidationError{fmt.Sprintf("table %q is not part of this binding's schema", t)}
		}
	}

	return stmt, nil
}

// stripSQLFences removes a surrounding markdown code fence if present,
// mirroring service.parseGenerationResponse's fence-stripping convention.
func stripSQLFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 3 {
		return s
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// splitStatements splits on top-level semicolons (outside string literals),
// dropping trailing empty segments so a single statement with a trailing
// ";" is not mistaken for two statements.
func splitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inSingle, inDouble := false, false

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case c == ';' && !inSingle && !inDouble:
			if s := strings.TrimSpace(cur.String()); s != "" {
				stmts = append(stmts, s)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// tokenizeSQL splits a statement into whitespace/punctuation-delimited
// tokens, dropping quoted/string literals entirely so keyword scanning
// never matches inside user data.
func tokenizeSQL(stmt string) []string {
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	i := 0
	for i < len(stmt) {
		c := stmt[i]
		switch {
		case c == '\'' || c == '"':
			flush()
			quote := c
			j := i + 1
			for j < len(stmt) && stmt[j] != quote {
				j++
			}
			i = j + 1
		case isSQLIdentChar(c):
			cur.WriteByte(c)
			i++
		default:
			flush()
			i++
		}
	}
	flush()
	return tokens
}

func isSQLIdentChar(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// referencedTables extracts identifiers following FROM/JOIN, stripping any
// schema qualifier and alias, per §4.5 step 4's "does not reference tables
// outside the binding's schema snapshot."
func referencedTables(tokens []string) []string {
	var refs []string
	for i, t := range tokens {
		up := strings.ToUpper(t)
		if (up == "FROM" || up == "JOIN") && i+1 < len(tokens) {
			name := tokens[i+1]
			if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
				name = name[idx+1:]
			}
			refs = append(refs, name)
		}
	}
	return refs
}
