// Package css rewrites stylesheets for concatenation: relative url()
// references are made absolute and @charset / @import rules are lifted out so
// they can be placed ahead of every other rule in the combined output.
//
// The scanner understands only what that requires: quoted strings, comments,
// escapes, and {} / () nesting. It is not a CSS parser.
package css

import (
	"errors"
	"fmt"
	"strings"
)

// ErrScan is the sentinel wrapped by every *ScanError.
var ErrScan = errors.New("css scan failed")

// ScanError reports malformed input found while scanning.
type ScanError struct {
	Offset int
	Reason string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("css: %s at offset %d", e.Reason, e.Offset)
}

func (e *ScanError) Unwrap() error { return ErrScan }

// Span is a half-open byte range [Start, End).
type Span struct {
	Start int
	End   int
}

const (
	importKeyword  = "@import"
	charsetKeyword = "@charset"
)

// FindNextImport returns the offset of the next top-level @import rule at or
// after from, or -1 when there is none. Occurrences inside strings, comments,
// parentheses and {} blocks are ignored. from must be at top level.
func FindNextImport(src string, from int) (int, error) {
	depth, parens := 0, 0
	for i := from; i < len(src); {
		c := src[i]
		switch {
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			j, err := skipComment(src, i)
			if err != nil {
				return -1, err
			}
			i = j
			continue
		case c == '"' || c == '\'':
			j, err := skipString(src, i)
			if err != nil {
				return -1, err
			}
			i = j
			continue
		case c == '\\':
			i += 2
			continue
		case c == '{':
			depth++
		case c == '}':
			if depth > 0 {
				depth--
			}
		case c == '(':
			parens++
		case c == ')':
			if parens > 0 {
				parens--
			}
		case c == '@' && depth == 0 && parens == 0:
			if isImportAt(src, i) {
				return i, nil
			}
		}
		i++
	}
	return -1, nil
}

// FindImportEnd returns the offset just past the ';' that terminates the
// @import rule starting at pos. Semicolons inside strings, comments or
// parentheses do not count. A '{' outside parentheses means the rule is
// malformed.
func FindImportEnd(src string, pos int) (int, error) {
	if !isImportAt(src, pos) {
		return -1, &ScanError{Offset: pos, Reason: "no @import rule"}
	}
	parens := 0
	for i := pos + len(importKeyword); i < len(src); {
		c := src[i]
		switch {
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			j, err := skipComment(src, i)
			if err != nil {
				return -1, err
			}
			i = j
			continue
		case c == '"' || c == '\'':
			j, err := skipString(src, i)
			if err != nil {
				return -1, err
			}
			i = j
			continue
		case c == '\\':
			i += 2
			continue
		case c == '(':
			parens++
		case c == ')':
			if parens > 0 {
				parens--
			}
		case c == '{' && parens == 0:
			return -1, &ScanError{Offset: i, Reason: "block opened inside @import rule"}
		case c == ';' && parens == 0:
			return i + 1, nil
		}
		i++
	}
	return -1, &ScanError{Offset: pos, Reason: "unterminated @import rule"}
}

// FindCharset returns the span of the @charset rule when it is the very
// first token of src.
func FindCharset(src string) (Span, bool) {
	if !hasPrefixFold(src, charsetKeyword) {
		return Span{}, false
	}
	i := len(charsetKeyword)
	j := skipSpace(src, i)
	if j == i || j >= len(src) {
		return Span{}, false
	}
	if src[j] != '"' && src[j] != '\'' {
		return Span{}, false
	}
	k, err := skipString(src, j)
	if err != nil {
		return Span{}, false
	}
	k = skipSpace(src, k)
	if k >= len(src) || src[k] != ';' {
		return Span{}, false
	}
	return Span{Start: 0, End: k + 1}, true
}

// isImportAt reports whether an @import keyword starts at i and is followed by
// whitespace, a quote, or a comment.
func isImportAt(src string, i int) bool {
	end := i + len(importKeyword)
	if end >= len(src) || !strings.EqualFold(src[i:end], importKeyword) {
		return false
	}
	switch c := src[end]; {
	case isSpace(c), c == '"', c == '\'':
		return true
	case c == '/':
		return end+1 < len(src) && src[end+1] == '*'
	}
	return false
}

// skipComment returns the offset just past the comment starting at i.
func skipComment(src string, i int) (int, error) {
	end := strings.Index(src[i+2:], "*/")
	if end < 0 {
		return -1, &ScanError{Offset: i, Reason: "unterminated comment"}
	}
	return i + 2 + end + 2, nil
}

// skipString returns the offset just past the quoted string starting at i.
func skipString(src string, i int) (int, error) {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j + 1, nil
		case '\n':
			return -1, &ScanError{Offset: i, Reason: "newline in string"}
		}
	}
	return -1, &ScanError{Offset: i, Reason: "unterminated string"}
}

// skipSpaceAndComments advances past whitespace and comments.
func skipSpaceAndComments(src string, i int) (int, error) {
	for i < len(src) {
		switch {
		case isSpace(src[i]):
			i++
		case src[i] == '/' && i+1 < len(src) && src[i+1] == '*':
			j, err := skipComment(src, i)
			if err != nil {
				return -1, err
			}
			i = j
		default:
			return i, nil
		}
	}
	return i, nil
}

func skipSpace(src string, i int) int {
	for i < len(src) && isSpace(src[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// ContainsImport reports whether src mentions @import anywhere, in any case.
// It is a cheap pre-check; FindNextImport decides whether a rule exists.
func ContainsImport(src []byte) bool {
	return indexFold(src, importKeyword) >= 0
}

func indexFold(b []byte, lowerNeedle string) int {
	n := len(lowerNeedle)
	for i := 0; i+n <= len(b); i++ {
		if b[i] != '@' {
			continue
		}
		match := true
		for k := 1; k < n; k++ {
			c := b[i+k]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != lowerNeedle[k] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
