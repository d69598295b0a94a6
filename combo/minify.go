package combo

import (
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"

	"assetcombo/models"
)

// Minifier shrinks stylesheet and script bodies after rewriting.
type Minifier struct {
	m      *minify.M
	css    bool
	script bool
}

// NewMinifier returns a Minifier with each language switched on or off.
func NewMinifier(minifyCSS, minifyJS bool) *Minifier {
	m := minify.New()
	m.AddFunc(string(models.MIMECSS), css.Minify)
	m.AddFunc(string(models.MIMEJS), js.Minify)
	return &Minifier{m: m, css: minifyCSS, script: minifyJS}
}

// Enabled reports whether bodies of type t are minified.
func (mn *Minifier) Enabled(t models.MIMEType) bool {
	if mn == nil {
		return false
	}
	switch t {
	case models.MIMECSS:
		return mn.css
	case models.MIMEJS:
		return mn.script
	}
	return false
}

// Minify returns body minified as t. When minification of t is off body is
// returned as is.
func (mn *Minifier) Minify(t models.MIMEType, body string) (string, error) {
	if !mn.Enabled(t) {
		return body, nil
	}
	return mn.m.String(string(t), body)
}
