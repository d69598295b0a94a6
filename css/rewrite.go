package css

import (
	"regexp"
	"strings"
)

// Result is a stylesheet after rewriting.
type Result struct {
	// Body is the stylesheet with relative references made absolute and the
	// hoisted rules removed.
	Body string
	// Charset is the leading @charset rule, if the stylesheet had one.
	Charset string
	// Imports are the top-level @import rules in encounter order, with
	// relative paths rewritten.
	Imports []string
}

// Hoisted returns the @import rules as they are placed ahead of the body,
// one per line.
func (r Result) Hoisted() string {
	if len(r.Imports) == 0 {
		return ""
	}
	var b strings.Builder
	for _, rule := range r.Imports {
		b.WriteString(rule)
		b.WriteByte('\n')
	}
	return b.String()
}

// Rewrite runs every rewriting step on src. dirPrefix is the URI directory
// the stylesheet was served from. A non-nil error is a *ScanError from the
// @import pass; the returned Result is still usable and keeps the @import
// rules in place.
func Rewrite(src, dirPrefix string) (Result, error) {
	res := RewriteWithoutImports(src, dirPrefix)
	imports, stripped, err := ExtractImports(res.Body, dirPrefix)
	if err != nil {
		return res, err
	}
	res.Imports = imports
	res.Body = stripped
	return res, nil
}

// RewriteWithoutImports is Rewrite minus the @import pass, for stylesheets
// already known not to contain @import.
func RewriteWithoutImports(src, dirPrefix string) Result {
	body := RewriteURLs(src, dirPrefix)
	body = RewriteAlphaImageLoader(body, dirPrefix)

	var res Result
	res.Charset, res.Body = ExtractCharset(body)
	return res
}

// byteOrderMark is the UTF-8 encoding of U+FEFF.
const byteOrderMark = "\ufeff"

// ExtractCharset removes a leading @charset rule from src and returns it. A
// leading byte-order mark is dropped first; inside a combined body it would
// sit between rules.
func ExtractCharset(src string) (rule, rest string) {
	src = strings.TrimPrefix(src, byteOrderMark)
	span, ok := FindCharset(src)
	if !ok {
		return "", src
	}
	return src[span.Start:span.End], src[span.End:]
}

// ExtractImports removes every top-level @import rule from src and returns
// them with relative paths prefixed by dirPrefix. On any scan or parse error
// src is returned unchanged together with the error.
func ExtractImports(src, dirPrefix string) (rules []string, rest string, err error) {
	var (
		b    strings.Builder
		last int
		pos  int
	)
	prefix := pathPrefix(dirPrefix)
	for {
		start, err := FindNextImport(src, pos)
		if err != nil {
			return nil, src, err
		}
		if start < 0 {
			break
		}
		end, err := FindImportEnd(src, start)
		if err != nil {
			return nil, src, err
		}
		rule, err := rewriteImportRule(src[start:end], prefix)
		if err != nil {
			return nil, src, err
		}
		rules = append(rules, rule)
		b.WriteString(src[last:start])
		last, pos = end, end
	}
	if len(rules) == 0 {
		return nil, src, nil
	}
	b.WriteString(src[last:])
	return rules, b.String(), nil
}

// rewriteImportRule locates the path token of a single @import rule and
// prefixes it when relative.
func rewriteImportRule(rule, prefix string) (string, error) {
	span, err := importPath(rule)
	if err != nil {
		return "", err
	}
	p := rule[span.Start:span.End]
	if !isRelative(p) {
		return rule, nil
	}
	return rule[:span.Start] + prefix + p + rule[span.End:], nil
}

// importPath returns the span of the path inside an @import rule. The path
// may be a quoted string or url() wrapping a quoted or bare string;
// whitespace and comments may appear between every token.
func importPath(rule string) (Span, error) {
	i, err := skipSpaceAndComments(rule, len(importKeyword))
	if err != nil {
		return Span{}, err
	}
	if i >= len(rule) {
		return Span{}, &ScanError{Offset: i, Reason: "missing @import path"}
	}
	if c := rule[i]; c == '"' || c == '\'' {
		return quotedSpan(rule, i)
	}
	if !hasPrefixFold(rule[i:], "url") {
		return Span{}, &ScanError{Offset: i, Reason: "unexpected token in @import"}
	}
	i, err = skipSpaceAndComments(rule, i+3)
	if err != nil {
		return Span{}, err
	}
	if i >= len(rule) || rule[i] != '(' {
		return Span{}, &ScanError{Offset: i, Reason: "expected ( after url"}
	}
	i, err = skipSpaceAndComments(rule, i+1)
	if err != nil {
		return Span{}, err
	}
	if i >= len(rule) {
		return Span{}, &ScanError{Offset: i, Reason: "unterminated url("}
	}

	var span Span
	var next int
	if c := rule[i]; c == '"' || c == '\'' {
		span, err = quotedSpan(rule, i)
		if err != nil {
			return Span{}, err
		}
		next = span.End + 1
	} else {
		j := i
		for j < len(rule) && rule[j] != ')' && !isSpace(rule[j]) && !(rule[j] == '/' && j+1 < len(rule) && rule[j+1] == '*') {
			j++
		}
		span = Span{Start: i, End: j}
		next = j
	}
	if span.End == span.Start {
		return Span{}, &ScanError{Offset: i, Reason: "empty @import path"}
	}
	k, err := skipSpaceAndComments(rule, next)
	if err != nil {
		return Span{}, err
	}
	if k >= len(rule) || rule[k] != ')' {
		return Span{}, &ScanError{Offset: k, Reason: "expected ) after url path"}
	}
	return span, nil
}

// quotedSpan returns the span of the contents of the string starting at i.
func quotedSpan(s string, i int) (Span, error) {
	end, err := skipString(s, i)
	if err != nil {
		return Span{}, err
	}
	return Span{Start: i + 1, End: end - 1}, nil
}

// RewriteURLs prefixes every relative url() reference in src with dirPrefix.
// Comments and quoted strings outside url() are copied untouched, and the
// quoting of each url() is preserved.
func RewriteURLs(src, dirPrefix string) string {
	prefix := pathPrefix(dirPrefix)
	var b strings.Builder
	last := 0
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			j, err := skipComment(src, i)
			if err != nil {
				i = len(src)
				continue
			}
			i = j
			continue
		case c == '"' || c == '\'':
			j, err := skipString(src, i)
			if err != nil {
				i++
				continue
			}
			i = j
			continue
		case c == '\\':
			i += 2
			continue
		case (c == 'u' || c == 'U') && isURLOpen(src, i):
			span, end, ok := urlToken(src, i)
			if !ok {
				i += 4
				continue
			}
			if p := src[span.Start:span.End]; isRelative(p) {
				b.WriteString(src[last:span.Start])
				b.WriteString(prefix)
				b.WriteString(p)
				last = span.End
			}
			i = end
			continue
		}
		i++
	}
	if last == 0 {
		return src
	}
	b.WriteString(src[last:])
	return b.String()
}

// isURLOpen reports whether "url(" starts at i and is not the tail of a
// longer identifier.
func isURLOpen(src string, i int) bool {
	if !hasPrefixFold(src[i:], "url(") {
		return false
	}
	return i == 0 || !isIdent(src[i-1])
}

// urlToken parses url(...) at i and returns the span of the path and the
// offset just past the closing parenthesis.
func urlToken(src string, i int) (Span, int, bool) {
	j := skipSpace(src, i+4)
	if j >= len(src) {
		return Span{}, 0, false
	}
	var span Span
	if c := src[j]; c == '"' || c == '\'' {
		s, err := quotedSpan(src, j)
		if err != nil {
			return Span{}, 0, false
		}
		span = s
		j = s.End + 1
	} else {
		k := j
		for k < len(src) && src[k] != ')' && src[k] != '"' && src[k] != '\'' && src[k] != '(' && !isSpace(src[k]) {
			if src[k] == '\\' {
				k++
			}
			k++
		}
		span = Span{Start: j, End: k}
		j = k
	}
	j = skipSpace(src, j)
	if j >= len(src) || src[j] != ')' {
		return Span{}, 0, false
	}
	return span, j + 1, true
}

var alphaImageLoaderRe = regexp.MustCompile(`(?is)AlphaImageLoader\s*\([^)]*?src\s*=\s*['"]?([^'"\s),]+)`)

// RewriteAlphaImageLoader prefixes relative src= paths of legacy IE
// AlphaImageLoader filters.
func RewriteAlphaImageLoader(src, dirPrefix string) string {
	matches := alphaImageLoaderRe.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}
	prefix := pathPrefix(dirPrefix)
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[2], m[3]
		p := src[start:end]
		if !isRelative(p) {
			continue
		}
		b.WriteString(src[last:start])
		b.WriteString(prefix)
		b.WriteString(p)
		last = end
	}
	if last == 0 {
		return src
	}
	b.WriteString(src[last:])
	return b.String()
}

// pathPrefix turns a directory into the prefix joined to relative paths.
func pathPrefix(dir string) string {
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		return "/"
	}
	return dir + "/"
}

// isRelative reports whether p should be rewritten: it is not empty, not
// rooted, not a fragment and carries no URI scheme.
func isRelative(p string) bool {
	if p == "" || p[0] == '/' || p[0] == '#' {
		return false
	}
	if hasPrefixFold(p, "%23") {
		return false
	}
	return !hasScheme(p)
}

func hasScheme(p string) bool {
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		case i > 0 && c == ':':
			return true
		default:
			return false
		}
	}
	return false
}

func isIdent(c byte) bool {
	return c == '-' || c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c >= 0x80
}
