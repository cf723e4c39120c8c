package sync

import "strings"

// RewriteCreateTableIdempotent rewrites a source CREATE TABLE statement's
// opening clause into an idempotent `CREATE TABLE IF NOT EXISTS "<table>"`,
// regardless of whether the original already had IF NOT EXISTS, and
// regardless of whether the original table name was double-quoted,
// back-quoted, bracket-quoted, or bare (a single-quoted name is an
// unrecognized shape). The column/constraint body and any trailing clause
// (e.g. WITHOUT ROWID) are preserved verbatim.
//
// This is a narrow, single-purpose rewrite, not a schema parser — on any
// shape it does not recognize it returns createSQL unchanged rather than
// producing a statement that might silently change meaning.
func RewriteCreateTableIdempotent(createSQL, table string) string {
	rest := createSQL

	rest, ok := skipKeyword(rest, "CREATE")
	if !ok {
		return createSQL
	}
	rest, ok = skipKeyword(rest, "TABLE")
	if !ok {
		return createSQL
	}
	if afterIfNotExists, matched := skipIfNotExists(rest); matched {
		rest = afterIfNotExists
	}

	_, remainder, ok := readIdentifier(rest)
	if !ok {
		return createSQL
	}

	return `CREATE TABLE IF NOT EXISTS "` + strings.ReplaceAll(table, `"`, `""`) + `"` + remainder
}

func skipKeyword(s, keyword string) (string, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	if len(s) < len(keyword) || !strings.EqualFold(s[:len(keyword)], keyword) {
		return s, false
	}
	rest := s[len(keyword):]
	if rest != "" && isIdentByte(rest[0]) {
		return s, false
	}
	return rest, true
}

func skipIfNotExists(s string) (string, bool) {
	rest := s
	for _, kw := range []string{"IF", "NOT", "EXISTS"} {
		next, ok := skipKeyword(rest, kw)
		if !ok {
			return s, false
		}
		rest = next
	}
	return rest, true
}

// readIdentifier reads a possibly-quoted identifier from the start of s
// (after leading whitespace) and returns the identifier text, the remainder
// of s starting immediately after it, and whether one was found.
func readIdentifier(s string) (ident, remainder string, ok bool) {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if trimmed == "" {
		return "", s, false
	}

	quoteChars := map[byte]byte{'"': '"', '`': '`', '[': ']'}
	if close, isQuoted := quoteChars[trimmed[0]]; isQuoted {
		end := strings.IndexByte(trimmed[1:], close)
		if end < 0 {
			return "", s, false
		}
		end += 1
		return trimmed[1:end], trimmed[end+1:], true
	}

	i := 0
	for i < len(trimmed) && isIdentByte(trimmed[i]) {
		i++
	}
	if i == 0 {
		return "", s, false
	}
	return trimmed[:i], trimmed[i:], true
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
