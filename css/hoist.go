package css

import "strings"

// Hoister collects the rules lifted out of each stylesheet of one combined
// response. The first @charset wins; @import rules keep encounter order.
// A Hoister is not safe for concurrent use.
type Hoister struct {
	charset string
	imports strings.Builder
}

// Add records the hoisted rules of one rewritten stylesheet and reports
// whether its @charset was kept.
func (h *Hoister) Add(r Result) bool {
	kept := false
	if r.Charset != "" && h.charset == "" {
		h.charset = r.Charset
		kept = true
	}
	h.imports.WriteString(r.Hoisted())
	return kept
}

// Prelude returns the text placed ahead of the concatenated bodies: the
// @charset rule followed by every @import rule.
func (h *Hoister) Prelude() string {
	if h.charset == "" {
		return h.imports.String()
	}
	return h.charset + "\n" + h.imports.String()
}

// Len returns the byte length of Prelude.
func (h *Hoister) Len() int {
	n := h.imports.Len()
	if h.charset != "" {
		n += len(h.charset) + 1
	}
	return n
}
