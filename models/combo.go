// Package models defines data structures shared by the combo pipeline.
package models

import (
	"strings"
	"time"
)

// MIMEType is the content type of a combinable asset.
type MIMEType string

const (
	MIMECSS MIMEType = "text/css"
	MIMEJS  MIMEType = "application/javascript"
)

// ResolvedAsset is one combo reference after it has been mapped to disk and read.
type ResolvedAsset struct {
	URIPath  string // reference as it appeared in the request
	FSPath   string // canonical filesystem path
	MIMEType MIMEType
	ModTime  time.Time
	Bytes    []byte
}

// Header is a single response header. Order is significant, so headers are
// kept as a slice of pairs rather than an http.Header map.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ComboResponse is the result of combining one batch of assets.
type ComboResponse struct {
	Headers []Header
	Body    []byte
	// ModTime is the newest mtime among the combined files.
	ModTime time.Time
	// MIMEType is the single content type shared by the batch.
	MIMEType MIMEType
}

// Get returns the value of the first header called name, compared
// case-insensitively.
func (r *ComboResponse) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
