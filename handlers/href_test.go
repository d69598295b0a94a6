package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"assetcombo/combo"
	"assetcombo/pathmap"
)

func TestHrefHandler(t *testing.T) {
	f := newFixture(t, false)
	log := zaptest.NewLogger(t)
	m, err := pathmap.New(pathmap.Config{SiteURL: "https://example.com", SiteDir: f.root}, log)
	if err != nil {
		t.Fatal(err)
	}
	memo, err := combo.NewImportMemo(8)
	if err != nil {
		t.Fatal(err)
	}
	h := HrefHandler(combo.NewHrefBuilder(m, "https://example.com", false), memo, log)

	body := `[
		{"type":"combine","paths":["/t/a.css","/t/b.css"]},
		{"type":"combine","paths":["/x.js"]},
		{"type":"passthrough","handle":"jquery"},
		{"type":"combine","paths":["https://other.org/a.css","/t/a.css"]}
	]`
	req := httptest.NewRequest(http.MethodPost, "/_combo/href", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got []HrefResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d results, want 4", len(got))
	}

	m0 := strconv.FormatInt(assetTime.Unix(), 10)
	if want := "https://example.com/_static/??/t/a.css,/t/b.css?m=" + m0; got[0].Href != want {
		t.Errorf("combine href = %q, want %q", got[0].Href, want)
	}
	if len(got[0].Imports) != 1 || got[0].Imports[0] != "/t/b.css" {
		t.Errorf("imports = %v, want [/t/b.css]", got[0].Imports)
	}
	if want := "https://example.com/x.js?m=" + m0; got[1].Href != want {
		t.Errorf("single href = %q, want %q", got[1].Href, want)
	}
	if !reflect.DeepEqual(got[2], HrefResult{}) {
		t.Errorf("passthrough = %+v, want empty", got[2])
	}
	if got[3].Href != "" || got[3].Error == "" {
		t.Errorf("external = %+v, want an error", got[3])
	}
}

func TestHrefHandlerBadRequest(t *testing.T) {
	f := newFixture(t, false)
	m, err := pathmap.New(pathmap.Config{SiteURL: "https://example.com", SiteDir: f.root}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := HrefHandler(combo.NewHrefBuilder(m, "https://example.com", false), nil, nil)

	for _, body := range []string{"", "{", `[{"kind":"combine"}]`} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/_combo/href", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}
