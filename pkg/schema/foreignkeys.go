package schema

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
)

// referencedTables returns the set of table names a CREATE TABLE statement's
// FOREIGN KEY ... REFERENCES clauses point at, restricted to names present
// in known and excluding self-references. It tries the same
// parse-then-walk-the-AST approach block-spirit's pkg/utils uses for ALTER
// statements first; SQLite's CREATE TABLE dialect (AUTOINCREMENT as one
// word, WITHOUT ROWID, double-quoted identifiers as names rather than
// strings) routinely fails that grammar, so a hand-written token scanner —
// still not a regex — is the fallback rather than the primary path.
func referencedTables(createSQL, selfName string, known map[string]bool) []string {
	if refs, ok := referencedTablesViaParser(createSQL, selfName, known); ok {
		return refs
	}
	return referencedTablesViaTokenizer(createSQL, selfName, known)
}

func referencedTablesViaParser(createSQL, selfName string, known map[string]bool) ([]string, bool) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(createSQL, "", "")
	if err != nil || len(stmtNodes) == 0 {
		return nil, false
	}
	createStmt, ok := stmtNodes[0].(*ast.CreateTableStmt)
	if !ok {
		return nil, false
	}

	seen := make(map[string]bool)
	var refs []string
	addRef := func(name string) {
		if name == "" || name == selfName || seen[name] || !known[name] {
			return
		}
		seen[name] = true
		refs = append(refs, name)
	}

	for _, constraint := range createStmt.Constraints {
		if constraint.Tp == ast.ConstraintForeignKey && constraint.Refer != nil && constraint.Refer.Table != nil {
			addRef(constraint.Refer.Table.Name.O)
		}
	}
	return refs, true
}

// referencedTablesViaTokenizer scans the statement for the literal token
// sequence FOREIGN KEY ( ... ) REFERENCES <name>, tokenizing on whitespace,
// punctuation and quoting rather than matching a compiled pattern against
// the raw text.
func referencedTablesViaTokenizer(createSQL, selfName string, known map[string]bool) []string {
	tokens := tokenize(createSQL)
	seen := make(map[string]bool)
	var refs []string

	for i := 0; i < len(tokens); i++ {
		if !strings.EqualFold(tokens[i], "FOREIGN") {
			continue
		}
		if i+1 >= len(tokens) || !strings.EqualFold(tokens[i+1], "KEY") {
			continue
		}
		// Skip the column list (...) up to its matching close paren.
		j := i + 2
		for j < len(tokens) && tokens[j] != "(" {
			j++
		}
		depth := 0
		for ; j < len(tokens); j++ {
			if tokens[j] == "(" {
				depth++
			} else if tokens[j] == ")" {
				depth--
				if depth == 0 {
					j++
					break
				}
			}
		}
		if j >= len(tokens) || !strings.EqualFold(tokens[j], "REFERENCES") {
			continue
		}
		j++
		if j >= len(tokens) {
			continue
		}
		name := unquoteIdent(tokens[j])
		if name == "" || name == selfName || seen[name] || !known[name] {
			continue
		}
		seen[name] = true
		refs = append(refs, name)
	}
	return refs
}

// tokenize splits SQL text into identifiers/keywords, parentheses, and
// quoted strings/identifiers, discarding whitespace and commas. It is
// deliberately minimal: just enough structure to find FOREIGN KEY (...)
// REFERENCES <ident> sequences without false-matching inside string or
// blob literals.
func tokenize(sql string) []string {
	var tokens []string
	runes := []rune(sql)
	n := len(runes)
	for i := 0; i < n; i++ {
		c := runes[i]
		switch {
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
		case c == '"' || c == '`':
			quote := c
			j := i + 1
			for j < n && runes[j] != quote {
				j++
			}
			tokens = append(tokens, string(runes[i:minInt(j+1, n)]))
			i = j
		case c == '\'':
			j := i + 1
			for j < n && runes[j] != '\'' {
				j++
			}
			tokens = append(tokens, string(runes[i:minInt(j+1, n)]))
			i = j
		case isIdentRune(c):
			j := i
			for j < n && isIdentRune(runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j - 1
		default:
			// whitespace, commas and other punctuation are separators
		}
	}
	return tokens
}

func isIdentRune(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func unquoteIdent(tok string) string {
	if len(tok) >= 2 {
		first, last := tok[0], tok[len(tok)-1]
		if (first == '"' && last == '"') || (first == '`' && last == '`') {
			return tok[1 : len(tok)-1]
		}
	}
	return tok
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
