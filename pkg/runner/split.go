package runner

import (
	"errors"
	"unicode"
)

// ErrUnterminatedQuote is returned by SplitCommand for an unbalanced quote.
var ErrUnterminatedQuote = errors.New("unterminated quote in command")

// SplitCommand splits a shell-like command string into argv. Whitespace
// delimits arguments, single quotes are literal, double quotes honor the
// \" and \\ escapes, and a bare backslash escapes the next rune. No
// variable expansion or globbing is performed.
func SplitCommand(s string) ([]string, error) {
	var (
		args    []string
		cur     []rune
		have    bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			// Inside double quotes only \" and \\ collapse.
			if quote == '"' && r != '"' && r != '\\' {
				cur = append(cur, '\\')
			}
			cur = append(cur, r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			have = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur = append(cur, r)
			}
		case r == '\'' || r == '"':
			quote = r
			have = true
		case unicode.IsSpace(r):
			if have {
				args = append(args, string(cur))
				cur = cur[:0]
				have = false
			}
		default:
			cur = append(cur, r)
			have = true
		}
	}
	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	if escaped {
		cur = append(cur, '\\')
	}
	if have {
		args = append(args, string(cur))
	}
	return args, nil
}
