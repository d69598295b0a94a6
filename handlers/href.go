package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"assetcombo/combo"
	"assetcombo/models"
)

// maxHrefBody bounds the JSON group list accepted by HrefHandler.
const maxHrefBody = 1 << 20

// HrefResult is the answer for one group, in request order.
type HrefResult struct {
	Href string `json:"href,omitempty"`
	// Imports lists the stylesheets of the group that contain @import.
	Imports []string `json:"imports,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// HrefHandler accepts a JSON array of groups and returns the combo URL of
// each, along with the stylesheets that contain @import. Groups that cannot
// be encoded carry an error instead, so one bad path does not fail the batch.
func HrefHandler(b *combo.HrefBuilder, memo *combo.ImportMemo, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("href")
	return func(w http.ResponseWriter, r *http.Request) {
		var groups []models.Group
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHrefBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&groups); err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		out := make([]HrefResult, len(groups))
		for i, g := range groups {
			href, err := b.Href(g)
			if err != nil {
				log.Debug("Group not encoded", zap.Int("group", i), zap.Error(err))
				out[i].Error = err.Error()
				continue
			}
			out[i].Href = href
			if g.Type != models.GroupCombine {
				continue
			}
			imports, err := b.Imports(g, memo)
			if err != nil {
				log.Debug("Import scan failed", zap.Int("group", i), zap.Error(err))
				continue
			}
			out[i].Imports = imports
		}

		data, err := json.Marshal(out)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}
}
