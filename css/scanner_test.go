package css

import (
	"errors"
	"strings"
	"testing"
)

func TestFindNextImport(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{"first token", `@import "a.css";` + "\nbody{}", 0},
		{"after rule", "a{}\n@IMPORT url(b.css);", 4},
		{"comment before path", `@import/**/"a.css";`, 0},
		{"inside string", `a{} "@import 'x.css';"`, -1},
		{"inside declaration string", `a{content:"@import 'x';"}`, -1},
		{"inside comment", `/* @import "x.css"; */ a{}`, -1},
		{"inside url", `a{background:url(@import.png)}`, -1},
		{"inside top level parens", `url(@import "x.css")`, -1},
		{"custom property", `:root{--x: @import "y";}`, -1},
		{"longer identifier", `@importance "x";`, -1},
		{"nested block", `@media print{@import "x.css";}`, -1},
		{"keyword at end", `a{}@import`, -1},
		{"escaped quote in string", `a{content:"\"@import"} @import 'b.css';`, 23},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindNextImport(tt.src, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("FindNextImport = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFindNextImportFailsOnUnterminated(t *testing.T) {
	for _, src := range []string{
		`/* @import "a.css";`,
		`a{} "@import 'x.css';`,
	} {
		_, err := FindNextImport(src, 0)
		if !errors.Is(err, ErrScan) {
			t.Errorf("FindNextImport(%q) err = %v, want ErrScan", src, err)
		}
		var se *ScanError
		if !errors.As(err, &se) {
			t.Errorf("FindNextImport(%q) err is not a *ScanError", src)
		}
	}
}

func TestFindImportEnd(t *testing.T) {
	fonts := "@import url(https://fonts.googleapis.com/css2?family=Roboto:wght@400;700&display=swap);\nbody{}"
	quoted := `@import "https://fonts.googleapis.com/css2?family=A;B";a{}`
	comment := `@import /* ; */ "a.css";`

	tests := []struct {
		src  string
		want int
	}{
		{fonts, strings.Index(fonts, ");") + 2},
		{quoted, strings.Index(quoted, `";`) + 2},
		{comment, len(comment)},
		{`@import "a.css" screen and (min-width: 10px);`, len(`@import "a.css" screen and (min-width: 10px);`)},
	}
	for _, tt := range tests {
		got, err := FindImportEnd(tt.src, 0)
		if err != nil {
			t.Errorf("FindImportEnd(%q): %v", tt.src, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FindImportEnd(%q) = %d, want %d", tt.src, got, tt.want)
		}
	}
}

func TestFindImportEndMalformed(t *testing.T) {
	for _, src := range []string{
		`@import "a.css" { color: red; }`,
		`@import "a.css"`,
		`@import "a.css`,
		`@import /* "a.css";`,
		`body{}`,
	} {
		if _, err := FindImportEnd(src, 0); !errors.Is(err, ErrScan) {
			t.Errorf("FindImportEnd(%q) err = %v, want ErrScan", src, err)
		}
	}
}

func TestFindCharset(t *testing.T) {
	tests := []struct {
		src  string
		want Span
		ok   bool
	}{
		{"@charset \"UTF-8\";\nbody{}", Span{0, 17}, true},
		{"@CHARSET 'utf-8' ;", Span{0, 18}, true},
		{"\n@charset \"UTF-8\";", Span{}, false},
		{"@charset UTF-8;", Span{}, false},
		{"@charset\"UTF-8\";", Span{}, false},
		{"body{} @charset \"UTF-8\";", Span{}, false},
		{"@charset \"UTF-8\"", Span{}, false},
	}
	for _, tt := range tests {
		got, ok := FindCharset(tt.src)
		if ok != tt.ok || got != tt.want {
			t.Errorf("FindCharset(%q) = %v, %v; want %v, %v", tt.src, got, ok, tt.want, tt.ok)
		}
	}
}

func TestContainsImport(t *testing.T) {
	if !ContainsImport([]byte("a{}\n@IMPORT 'x';")) {
		t.Error("expected uppercase @IMPORT to be found")
	}
	if ContainsImport([]byte("a{} @media print{}")) {
		t.Error("unexpected match")
	}
	if ContainsImport([]byte("@impor")) {
		t.Error("unexpected match on truncated keyword")
	}
}
