package combo

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"assetcombo/models"
	"assetcombo/pathmap"
)

func newTestService(t *testing.T, opts Options) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	m, err := pathmap.New(pathmap.Config{SiteURL: "https://example.com", SiteDir: root}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("pathmap.New: %v", err)
	}
	memo, err := NewImportMemo(16)
	if err != nil {
		t.Fatalf("NewImportMemo: %v", err)
	}
	return New(m, memo, opts, zaptest.NewLogger(t)), root
}

func writeAsset(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildHoistsRules(t *testing.T) {
	svc, root := newTestService(t, Options{UniqueMIME: true})
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 2, 1, 12, 30, 0, 0, time.UTC)
	writeAsset(t, root, "t/a.css", "@CHARSET \"UTF-8\";\n@import 'reset.css';\nbody{background:url(img/a.png)}", older)
	writeAsset(t, root, "b/b.css", "@charset \"latin1\";\n@Import url(https://fonts.googleapis.com/css2?family=A:wght@400;700);\np{}", newer)

	resp, err := svc.Build("/_static/??/t/a.css,/b/b.css")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := "@CHARSET \"UTF-8\";\n" +
		"@import '/t/reset.css';\n" +
		"@Import url(https://fonts.googleapis.com/css2?family=A:wght@400;700);\n" +
		"\n\nbody{background:url(/t/img/a.png)}" +
		"\n\np{}"
	if got := string(resp.Body); got != want {
		t.Fatalf("body:\n got %q\nwant %q", got, want)
	}
	if n := strings.Count(strings.ToLower(string(resp.Body)), "@charset"); n != 1 {
		t.Errorf("found %d @charset rules, want 1", n)
	}
	if got := resp.Get("Last-Modified"); got != newer.Format(http.TimeFormat) {
		t.Errorf("Last-Modified = %q, want %q", got, newer.Format(http.TimeFormat))
	}
	if got := resp.Get("Content-Type"); got != "text/css" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", got, len(want))
	}
	if !resp.ModTime.Equal(newer) {
		t.Errorf("ModTime = %v, want %v", resp.ModTime, newer)
	}
}

func TestBuildConcatenatesInOrder(t *testing.T) {
	svc, root := newTestService(t, Options{UniqueMIME: true})
	ma := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mc := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	writeAsset(t, root, "a.css", ".a{background:url(a.png)}\n", ma)
	writeAsset(t, root, "c.css", ".c{color:red}\n", mc)

	resp, err := svc.Build("/_static/??/a.css,/c.css?m=1700000000")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := ".a{background:url(/a.png)}\n.c{color:red}\n"; string(resp.Body) != want {
		t.Fatalf("body = %q, want %q", resp.Body, want)
	}
	if got := resp.Get("Last-Modified"); got != ma.Format(http.TimeFormat) {
		t.Errorf("Last-Modified = %q", got)
	}
}

func TestBuildSubdirPrefix(t *testing.T) {
	svc, root := newTestService(t, Options{})
	writeAsset(t, root, "t/a.css", "a{background:url(x.png)}", time.Time{})

	resp, err := svc.Build("/blog/_static/??/t/a.css")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := "a{background:url(/blog/t/x.png)}"; string(resp.Body) != want {
		t.Fatalf("body = %q, want %q", resp.Body, want)
	}
}

func TestBuildScriptSeparator(t *testing.T) {
	svc, root := newTestService(t, Options{UniqueMIME: true})
	writeAsset(t, root, "a.js", "var a=1", time.Time{})
	writeAsset(t, root, "b.js", "var b=2;", time.Time{})

	resp, err := svc.Build("/_static/??/a.js,/b.js")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := "var a=1;\nvar b=2;;\n"; string(resp.Body) != want {
		t.Fatalf("body = %q, want %q", resp.Body, want)
	}
	if got := resp.Get("Content-Type"); got != "application/javascript" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestBuildCompressedQuery(t *testing.T) {
	svc, root := newTestService(t, Options{UniqueMIME: true})
	writeAsset(t, root, "a.css", "a{}", time.Time{})
	writeAsset(t, root, "b.css", "b{}", time.Time{})

	plain, err := svc.Build("/_static/??/a.css,/b.css?m=123")
	if err != nil {
		t.Fatalf("Build plain: %v", err)
	}
	packed, err := svc.Build("/_static/??-" + EncodeCompressed("/a.css,/b.css?m=123"))
	if err != nil {
		t.Fatalf("Build compressed: %v", err)
	}
	if string(plain.Body) != string(packed.Body) {
		t.Fatalf("compressed body %q != plain body %q", packed.Body, plain.Body)
	}
}

func TestBuildErrors(t *testing.T) {
	svc, root := newTestService(t, Options{UniqueMIME: true, MaxFiles: 3})
	writeAsset(t, root, "a.css", "a{}", time.Time{})
	writeAsset(t, root, "b.js", "b()", time.Time{})
	writeAsset(t, root, "notes.txt", "hi", time.Time{})
	if err := os.Mkdir(filepath.Join(root, "dir.css"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		uri  string
		want int
	}{
		{"no marker", "/_static/a.css", http.StatusBadRequest},
		{"empty query", "/_static/??", http.StatusBadRequest},
		{"only version", "/_static/???m=1", http.StatusBadRequest},
		{"empty reference", "/_static/??/a.css,,/a.css", http.StatusBadRequest},
		{"too many", "/_static/??/a.css,/a.css,/a.css,/a.css", http.StatusBadRequest},
		{"bad base64", "/_static/??-%%%", http.StatusBadRequest},
		{"not zlib", "/_static/??-aGVsbG8=", http.StatusBadRequest},
		{"traversal", "/_static/??/../etc/passwd.css", http.StatusBadRequest},
		{"unsupported type", "/_static/??/notes.txt", http.StatusBadRequest},
		{"mixed types", "/_static/??/a.css,/b.js", http.StatusBadRequest},
		{"missing", "/_static/??/a.css,/missing.css", http.StatusNotFound},
		{"directory", "/_static/??/dir.css", http.StatusNotFound},
		{"foreign host", "/_static/??https://other.example/a.css", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Build(tt.uri)
			if err == nil {
				t.Fatalf("Build(%q) = %q, want error", tt.uri, resp.Body)
			}
			if resp != nil {
				t.Errorf("partial response returned with error")
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error %v is not a *StatusError", err)
			}
			if se.Status != tt.want {
				t.Errorf("status = %d, want %d (%v)", se.Status, tt.want, err)
			}
			if StatusOf(err) != tt.want {
				t.Errorf("StatusOf = %d, want %d", StatusOf(err), tt.want)
			}
		})
	}
}

type countingResolver struct{ calls int }

func (r *countingResolver) Resolve(string) (string, error) {
	r.calls++
	return "", pathmap.ErrNotFound
}

func TestBuildTooManyFilesTouchesNothing(t *testing.T) {
	res := &countingResolver{}
	svc := New(res, nil, Options{MaxFiles: 2}, zaptest.NewLogger(t))

	_, err := svc.Build("/_static/??/a.css,/b.css,/c.css")
	if StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%v)", StatusOf(err), err)
	}
	if res.calls != 0 {
		t.Fatalf("resolver called %d times", res.calls)
	}
}

func TestBuildMixedTypesWhenNotUnique(t *testing.T) {
	svc, root := newTestService(t, Options{UniqueMIME: false})
	writeAsset(t, root, "a.css", "a{}", time.Time{})
	writeAsset(t, root, "b.js", "b()", time.Time{})

	resp, err := svc.Build("/_static/??/a.css,/b.js")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if resp.MIMEType != models.MIMECSS {
		t.Errorf("MIMEType = %q, want first file's type", resp.MIMEType)
	}
	if want := "a{}b();\n"; string(resp.Body) != want {
		t.Errorf("body = %q, want %q", resp.Body, want)
	}
}

func TestBuildMinifyOffKeepsBytes(t *testing.T) {
	svc, root := newTestService(t, Options{})
	src := "/* banner */\nbody {\n  color : red ;\n  background: url(/abs.png);\n}\n"
	writeAsset(t, root, "a.css", src, time.Time{})

	resp, err := svc.Build("/_static/??/a.css")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if string(resp.Body) != src {
		t.Fatalf("body = %q, want input unchanged", resp.Body)
	}
}

func TestBuildMinify(t *testing.T) {
	svc, root := newTestService(t, Options{MinifyCSS: true})
	writeAsset(t, root, "a.css", "a {\n  color : red ;\n}\n", time.Time{})

	resp, err := svc.Build("/_static/??/a.css")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := "a{color:red}"; string(resp.Body) != want {
		t.Fatalf("body = %q, want %q", resp.Body, want)
	}
}

func TestBuildLeavesMalformedImportInPlace(t *testing.T) {
	svc, root := newTestService(t, Options{})
	writeAsset(t, root, "a.css", "@import 'x.css' { }\nb{background:url(i.png)}", time.Time{})
	writeAsset(t, root, "c.css", "@import 'y.css';\nc{}", time.Time{})

	resp, err := svc.Build("/_static/??/a.css,/c.css")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "@import '/y.css';\n" +
		"@import 'x.css' { }\nb{background:url(/i.png)}" +
		"\nc{}"
	if string(resp.Body) != want {
		t.Fatalf("body:\n got %q\nwant %q", resp.Body, want)
	}
}
