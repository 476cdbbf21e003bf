package executor

import (
	"fmt"
	"strings"
)

// SplitStatements splits a simple-query buffer into individual statements on
// top-level semicolons. Semicolons inside single-quoted or double-quoted
// strings, line comments, and block comments do not split. Empty statements
// are dropped; an all-whitespace input yields an empty slice.
func SplitStatements(sql string) []string {
	var stmts []string
	var b strings.Builder

	const (
		plain = iota
		singleQuote
		doubleQuote
		lineComment
		blockComment
	)
	state := plain
	depth := 0 // block comment nesting

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			stmts = append(stmts, s)
		}
		b.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch state {
		case plain:
			switch {
			case c == ';':
				flush()
				continue
			case c == '\'':
				state = singleQuote
			case c == '"':
				state = doubleQuote
			case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
				state = lineComment
			case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
				state = blockComment
				depth = 1
			}
		case singleQuote:
			if c == '\'' {
				// '' is an escaped quote, stay in the string
				if i+1 < len(sql) && sql[i+1] == '\'' {
					b.WriteByte(c)
					i++
				} else {
					state = plain
				}
			}
		case doubleQuote:
			if c == '"' {
				state = plain
			}
		case lineComment:
			if c == '\n' {
				state = plain
			}
		case blockComment:
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				depth--
				i++
				b.WriteByte('*')
				c = '/'
				if depth == 0 {
					state = plain
				}
			} else if c == '/' && i+1 < len(sql) && sql[i+1] == '*' {
				depth++
				i++
				b.WriteByte('/')
				c = '*'
			}
		}
		b.WriteByte(c)
	}
	flush()
	return stmts
}

// CommandTag builds the CommandComplete tag for a statement: the command verb
// plus, for row-returning or row-affecting commands, the row count. DDL tags
// carry the object word (CREATE VIEW, DROP TABLE) like a real backend's.
func CommandTag(sql string, rows int) string {
	verb := strings.ToUpper(firstWord(sql))
	switch verb {
	case "SELECT", "TABLE", "VALUES", "WITH":
		return fmt.Sprintf("SELECT %d", rows)
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", rows)
	case "UPDATE", "DELETE", "COPY", "FETCH":
		return fmt.Sprintf("%s %d", verb, rows)
	case "CREATE", "DROP", "ALTER":
		if obj := commandObject(sql); obj != "" {
			return verb + " " + obj
		}
		return verb
	case "":
		// Parenthesized or comment-only heads still answer like a select.
		return fmt.Sprintf("SELECT %d", rows)
	default:
		return verb
	}
}

func firstWord(sql string) string {
	return cutWord(stripLeading(sql))
}

// commandObject returns the object word after a DDL verb, skipping modifiers
// so CREATE OR REPLACE VIEW still tags as CREATE VIEW.
func commandObject(sql string) string {
	s := stripLeading(sql)
	s = strings.TrimSpace(s[len(cutWord(s)):])
	for {
		w := strings.ToUpper(cutWord(s))
		switch w {
		case "OR", "REPLACE", "TEMP", "TEMPORARY", "UNIQUE", "GLOBAL", "LOCAL":
			s = strings.TrimSpace(s[len(w):])
			continue
		}
		return w
	}
}

// stripLeading removes leading whitespace and comments.
func stripLeading(sql string) string {
	s := strings.TrimSpace(sql)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = strings.TrimSpace(s[i+1:])
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = strings.TrimSpace(s[i+2:])
				continue
			}
			return ""
		}
		return s
	}
}

func cutWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == '('
	})
	if end < 0 {
		return s
	}
	return s[:end]
}
