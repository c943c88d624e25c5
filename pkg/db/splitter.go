package db

import (
	"fmt"
	"strings"
)

// splitStatements splits migration SQL into individual statements on
// top-level semicolons. Semicolons inside single-quoted strings,
// double-quoted identifiers, comments, and dollar-quoted regions
// ($tag$ ... $tag$) are not separators, so plpgsql function bodies
// survive intact.
func splitStatements(sql string) ([]string, error) {
	var (
		stmts []string
		buf   strings.Builder
	)

	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]

		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-':
			// Line comment: copy through end of line.
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				buf.WriteString(sql[i:])
				i = n
				continue
			}
			buf.WriteString(sql[i : i+end+1])
			i += end + 1

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed block comment", ErrUnterminatedQuote)
			}
			buf.WriteString(sql[i : i+2+end+2])
			i += 2 + end + 2

		case c == '\'':
			end, err := scanQuoted(sql, i, '\'')
			if err != nil {
				return nil, err
			}
			buf.WriteString(sql[i:end])
			i = end

		case c == '"':
			end, err := scanQuoted(sql, i, '"')
			if err != nil {
				return nil, err
			}
			buf.WriteString(sql[i:end])
			i = end

		case c == '$':
			if tag, ok := dollarTag(sql[i:]); ok {
				closing := strings.Index(sql[i+len(tag):], tag)
				if closing < 0 {
					return nil, fmt.Errorf("%w: unclosed %s region", ErrUnterminatedQuote, tag)
				}
				end := i + len(tag) + closing + len(tag)
				buf.WriteString(sql[i:end])
				i = end
			} else {
				buf.WriteByte(c)
				i++
			}

		case c == ';':
			if stmt := strings.TrimSpace(buf.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			buf.Reset()
			i++

		default:
			buf.WriteByte(c)
			i++
		}
	}

	if stmt := strings.TrimSpace(buf.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// scanQuoted returns the index just past the closing quote. Doubled quotes
// ('' or "") escape themselves per SQL rules.
func scanQuoted(sql string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("%w: unclosed %c quote", ErrUnterminatedQuote, quote)
}

// dollarTag reports whether s begins a dollar-quote delimiter ($$, $tag$)
// and returns the full delimiter including both dollar signs.
func dollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1], true
		}
		// A tag cannot start with a digit; that would be a positional
		// parameter like $1.
		if i == 1 && c >= '0' && c <= '9' {
			return "", false
		}
		if !isTagChar(c) {
			return "", false
		}
	}
	return "", false
}

func isTagChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
