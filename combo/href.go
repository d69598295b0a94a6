package combo

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"assetcombo/models"
	"assetcombo/pathmap"
)

// ErrExternal is returned by HrefBuilder for references outside every root.
var ErrExternal = errors.New("reference is not served by this site")

// HrefBuilder turns combine groups into combo endpoint URLs. It is the
// inverse of ParseRequest.
type HrefBuilder struct {
	mapper   *pathmap.Mapper
	siteURL  string
	compress bool
}

// NewHrefBuilder returns a builder emitting URLs under siteURL. When
// compress is set, the "-" encoded query is used whenever it is shorter.
func NewHrefBuilder(mapper *pathmap.Mapper, siteURL string, compress bool) *HrefBuilder {
	return &HrefBuilder{
		mapper:   mapper,
		siteURL:  strings.TrimRight(siteURL, "/"),
		compress: compress,
	}
}

// Href returns the URL for g. Passthrough groups have no URL and yield "".
func (b *HrefBuilder) Href(g models.Group) (string, error) {
	if g.Type == models.GroupPassthrough {
		return "", nil
	}
	if len(g.Paths) == 0 {
		return "", fmt.Errorf("combine group has no paths")
	}
	if len(g.Paths) == 1 {
		return b.single(g.Paths[0])
	}

	refs := make([]string, 0, len(g.Paths))
	var newest time.Time
	for _, p := range g.Paths {
		fsPath, mtime, err := b.stat(p)
		if err != nil {
			return "", err
		}
		if mtime.After(newest) {
			newest = mtime
		}
		if rel, ok := b.mapper.RelativeToBase(fsPath); ok {
			refs = append(refs, "/"+rel)
			continue
		}
		ref, _, _ := strings.Cut(refPath(p), "?")
		refs = append(refs, ref)
	}

	query := strings.Join(refs, ",") + "?m=" + strconv.FormatInt(newest.Unix(), 10)
	if b.compress {
		if enc := "-" + EncodeCompressed(query); len(enc) < len(query) {
			query = enc
		}
	}
	return b.siteURL + StaticDir + queryMarker + query, nil
}

// single returns the plain asset URL with an mtime cache buster.
func (b *HrefBuilder) single(p string) (string, error) {
	u := p
	if !strings.Contains(p, "://") && !strings.HasPrefix(p, "//") {
		u = b.siteURL + refPath(p)
	}
	if strings.Contains(u, "?m=") || strings.Contains(u, "&m=") {
		return u, nil
	}
	_, mtime, err := b.stat(p)
	if err != nil {
		return "", err
	}
	m := "m=" + strconv.FormatInt(mtime.Unix(), 10)
	if base, q, ok := strings.Cut(u, "?"); ok {
		if q == "" {
			return base + "?" + m, nil
		}
		return base + "?" + m + "&" + q, nil
	}
	return u + "?" + m, nil
}

func (b *HrefBuilder) stat(p string) (string, time.Time, error) {
	if !b.mapper.IsInternal(p) {
		return "", time.Time{}, fmt.Errorf("%s: %w", p, ErrExternal)
	}
	fsPath, err := b.mapper.Resolve(p)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", p, err)
	}
	fi, err := os.Stat(fsPath)
	if err != nil {
		return "", time.Time{}, err
	}
	return fsPath, fi.ModTime(), nil
}

// Imports lists the stylesheets of g that contain @import, in group order.
// A grouping layer uses it to start a new group at each of them, since the
// hoisted rules must precede every other rule of the combined body.
func (b *HrefBuilder) Imports(g models.Group, memo *ImportMemo) ([]string, error) {
	var out []string
	for _, p := range g.Paths {
		ref, _, _ := strings.Cut(refPath(p), "?")
		if t, ok := mimeTypeOf(ref); !ok || t != models.MIMECSS {
			continue
		}
		fsPath, _, err := b.stat(p)
		if err != nil {
			return nil, err
		}
		has, err := memo.HasImport(fsPath)
		if err != nil {
			return nil, err
		}
		if has {
			out = append(out, p)
		}
	}
	return out, nil
}
