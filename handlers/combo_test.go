package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap/zaptest"

	"assetcombo/combo"
	"assetcombo/pathmap"
	"assetcombo/respcache"
)

var assetTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	handler *ComboHandler
	stats   *Stats
	metrics *Metrics
	root    string
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	cacheDir := ""
	if withCache {
		cacheDir = t.TempDir()
	}
	return newFixtureWith(t, cacheDir, nil)
}

// newFixtureWith builds a handler over the asset tree. An empty cacheDir
// disables the response cache.
func newFixtureWith(t *testing.T, cacheDir string, egress *Egress) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	root := t.TempDir()
	for name, body := range map[string]string{
		"t/a.css": "@charset \"UTF-8\";\na{background:url(a.png)}",
		"t/b.css": "@import 'c.css';\nb{}",
		"x.js":    "x()",
	} {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, assetTime, assetTime); err != nil {
			t.Fatal(err)
		}
	}

	m, err := pathmap.New(pathmap.Config{SiteURL: "https://example.com", SiteDir: root}, log)
	if err != nil {
		t.Fatal(err)
	}
	memo, err := combo.NewImportMemo(8)
	if err != nil {
		t.Fatal(err)
	}
	svc := combo.New(m, memo, combo.Options{UniqueMIME: true}, log)

	var cache *respcache.Cache
	if cacheDir != "" {
		cache = respcache.New(respcache.Options{Dir: cacheDir, TTL: time.Hour}, log)
	}
	stats := NewStats(t.TempDir(), log)
	t.Cleanup(stats.Close)
	metrics := NewMetrics(prometheus.NewRegistry())

	return &fixture{
		handler: NewComboHandler(svc, cache, stats, metrics, egress, log),
		stats:   stats,
		metrics: metrics,
		root:    root,
	}
}

func (f *fixture) do(method, uri string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, uri, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(label).Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

const comboURI = "/_static/??/t/a.css,/t/b.css?m=1"

func TestComboHandlerMissThenHit(t *testing.T) {
	f := newFixture(t, true)
	wantBody := "@charset \"UTF-8\";\n@import '/t/c.css';\n\na{background:url(/t/a.png)}\nb{}"
	sum := md5.Sum([]byte(wantBody))
	wantETag := `"` + hex.EncodeToString(sum[:]) + `"`

	for i, want := range []string{"miss", "hit"} {
		rec := f.do(http.MethodGet, comboURI, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %q", i, rec.Code, rec.Body.String())
		}
		if got := rec.Body.String(); got != wantBody {
			t.Fatalf("request %d: body = %q, want %q", i, got, wantBody)
		}
		hdr := rec.Header()
		checks := map[string]string{
			CacheHeader:                     want,
			"ETag":                          wantETag,
			"Cache-Control":                 "max-age=31536000",
			"Content-Type":                  "text/css",
			"Content-Length":                strconv.Itoa(len(wantBody)),
			"Last-Modified":                 assetTime.Format(http.TimeFormat),
			"Access-Control-Expose-Headers": CacheHeader,
		}
		for name, v := range checks {
			if got := hdr.Get(name); got != v {
				t.Errorf("request %d: %s = %q, want %q", i, name, got, v)
			}
		}
	}

	f.stats.Close()
	snap := f.stats.Snapshot()
	if snap.CombosServed != 2 || snap.CacheHits != 1 || snap.CacheMisses != 1 {
		t.Errorf("stats = %+v", snap)
	}
	if v := counterValue(t, f.metrics.cache, "hit"); v != 1 {
		t.Errorf("cache hit counter = %v, want 1", v)
	}
	if v := counterValue(t, f.metrics.requests, "200"); v != 2 {
		t.Errorf("200 counter = %v, want 2", v)
	}
}

func TestComboHandlerNotModified(t *testing.T) {
	f := newFixture(t, true)
	first := f.do(http.MethodGet, comboURI, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}

	// The client echoes Last-Modified, which predates the cache entry.
	rec := f.do(http.MethodGet, comboURI, map[string]string{
		"If-Modified-Since": first.Header().Get("Last-Modified"),
	})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("304 carried a body: %q", rec.Body.String())
	}

	// A date after the entry was written gets the full response.
	rec = f.do(http.MethodGet, comboURI, map[string]string{
		"If-Modified-Since": time.Now().Add(time.Hour).UTC().Format(http.TimeFormat),
	})
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("status = %d, body %d bytes; want full 200", rec.Code, rec.Body.Len())
	}
}

func TestComboHandlerHead(t *testing.T) {
	f := newFixture(t, true)
	for _, want := range []string{"miss", "hit"} {
		rec := f.do(http.MethodHead, "/_static/??/x.js", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("HEAD returned a body")
		}
		if rec.Header().Get("Content-Length") != "5" {
			t.Errorf("Content-Length = %q, want 5", rec.Header().Get("Content-Length"))
		}
		if got := rec.Header().Get(CacheHeader); got != want {
			t.Errorf("%s = %q, want %q", CacheHeader, got, want)
		}
	}
}

func TestComboHandlerBypass(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/_static/??/x.js", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "x();\n" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(CacheHeader); got != "bypass" {
		t.Fatalf("%s = %q, want bypass", CacheHeader, got)
	}
}

func TestComboHandlerUnwritableCache(t *testing.T) {
	// A regular file where the cache directory should be makes every Put fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixtureWith(t, filepath.Join(blocker, "cache"), nil)

	wantBody := "@charset \"UTF-8\";\n@import '/t/c.css';\n\na{background:url(/t/a.png)}\nb{}"
	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodGet, comboURI, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %q", i, rec.Code, rec.Body.String())
		}
		if got := rec.Body.String(); got != wantBody {
			t.Fatalf("request %d: body = %q, want %q", i, got, wantBody)
		}
		if got := rec.Header().Get(CacheHeader); got != "bypass" {
			t.Errorf("request %d: %s = %q, want bypass", i, CacheHeader, got)
		}
		if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(wantBody)) {
			t.Errorf("request %d: Content-Length = %q", i, got)
		}
	}
	if v := counterValue(t, f.metrics.cache, "bypass"); v != 2 {
		t.Errorf("bypass counter = %v, want 2", v)
	}
	if v := counterValue(t, f.metrics.cache, "hit"); v != 0 {
		t.Errorf("hit counter = %v, want 0", v)
	}
}

func TestComboHandlerErrors(t *testing.T) {
	f := newFixture(t, true)
	tests := []struct {
		method string
		uri    string
		want   int
	}{
		{http.MethodPost, "/_static/??/x.js", http.StatusBadRequest},
		{http.MethodGet, "/_static/??/t/a.css,/x.js", http.StatusBadRequest},
		{http.MethodGet, "/_static/??/nope.css", http.StatusNotFound},
		{http.MethodGet, "/_static/??-!!!", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(tt.method, tt.uri, nil)
		if rec.Code != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.uri, rec.Code, tt.want)
		}
		if rec.Header().Get(CacheHeader) != "" {
			t.Errorf("%s %s: error response carries %s", tt.method, tt.uri, CacheHeader)
		}
	}
	if v := counterValue(t, f.metrics.requests, "400"); v != 3 {
		t.Errorf("400 counter = %v, want 3", v)
	}
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "X-Other")
	ensureExposedHeader(h, CacheHeader)
	ensureExposedHeader(h, CacheHeader)
	if got := h.Get("Access-Control-Expose-Headers"); got != "X-Other, "+CacheHeader {
		t.Fatalf("expose = %q", got)
	}
}
