package conn

import (
	"regexp"
	"strings"
)

// Write-statement detection works on raw SQL text. It is deliberately a
// classification step, not a parser: good enough to decide whether a
// statement modified a table and which one, and isolated here so it can
// be swapped for a real parser without touching callers.

var writeVerbs = map[string]bool{
	"insert": true,
	"update": true,
	"delete": true,
	"create": true,
	"drop":   true,
	"alter":  true,
}

// tablePatterns extract the target table for each write verb. Order
// matters only in that at most one pattern matches a given statement.
var tablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)^\s*insert\s+(?:or\s+\w+\s+)?into\s+([^\s(]+)`),
	regexp.MustCompile(`(?is)^\s*update\s+(?:or\s+\w+\s+)?(\S+)\s+set\b`),
	regexp.MustCompile(`(?is)^\s*delete\s+from\s+(\S+)`),
	regexp.MustCompile(`(?is)^\s*create\s+(?:or\s+replace\s+)?(?:temp(?:orary)?\s+)?table\s+(?:if\s+not\s+exists\s+)?([^\s(]+)`),
	regexp.MustCompile(`(?is)^\s*drop\s+table\s+(?:if\s+exists\s+)?([^\s;]+)`),
	regexp.MustCompile(`(?is)^\s*alter\s+table\s+(?:if\s+exists\s+)?(\S+)`),
}

// ClassifyStatement reports whether sql is a write statement and, when
// the target can be determined, the bare table name it modifies.
// Leading whitespace and mixed case are tolerated. Schema qualifiers
// and quoting are stripped from the returned name; table is "" for
// writes whose target is not a table (CREATE INDEX, DROP VIEW, ...).
func ClassifyStatement(sql string) (isWrite bool, table string) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return false, ""
	}

	verb := trimmed
	if i := strings.IndexFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	}); i >= 0 {
		verb = trimmed[:i]
	}
	if !writeVerbs[strings.ToLower(verb)] {
		return false, ""
	}

	for _, pat := range tablePatterns {
		if m := pat.FindStringSubmatch(sql); m != nil {
			return true, normalizeTableName(m[1])
		}
	}
	return true, ""
}

// normalizeTableName strips a schema qualifier and any quoting from a
// table reference. Unquoted identifiers are lowercased to match how
// the engines fold them in the catalog.
func normalizeTableName(ref string) string {
	ref = strings.TrimRight(ref, ";")

	// Take the last dot-separated part, respecting quoted segments.
	if i := lastUnquotedDot(ref); i >= 0 {
		ref = ref[i+1:]
	}

	switch {
	case len(ref) >= 2 && ref[0] == '"' && ref[len(ref)-1] == '"':
		return strings.ReplaceAll(ref[1:len(ref)-1], `""`, `"`)
	case len(ref) >= 2 && ref[0] == '`' && ref[len(ref)-1] == '`':
		return ref[1 : len(ref)-1]
	case len(ref) >= 2 && ref[0] == '[' && ref[len(ref)-1] == ']':
		return ref[1 : len(ref)-1]
	default:
		return strings.ToLower(ref)
	}
}

func lastUnquotedDot(s string) int {
	inQuote := byte(0)
	last := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote || (inQuote == '[' && c == ']') {
				inQuote = 0
			}
		case c == '"' || c == '`' || c == '[':
			inQuote = c
		case c == '.':
			last = i
		}
	}
	return last
}
