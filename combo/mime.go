package combo

import (
	"path/filepath"
	"strings"

	"assetcombo/models"
)

// comboTypes lists the only extensions the combo endpoint will serve.
var comboTypes = map[string]models.MIMEType{
	"css": models.MIMECSS,
	"js":  models.MIMEJS,
}

// mimeTypeOf returns the MIME type for p by its final extension.
func mimeTypeOf(p string) (models.MIMEType, bool) {
	ext := filepath.Ext(p)
	if ext == "" {
		return "", false
	}
	t, ok := comboTypes[strings.ToLower(ext[1:])]
	return t, ok
}
