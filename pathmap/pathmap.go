// Package pathmap translates asset URLs and URI paths into filesystem paths
// using the configured site, content and plugins roots.
package pathmap

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no configured root covers the input.
	ErrNotFound = errors.New("no root maps this path")
	// ErrUnsafePath is returned for inputs containing ".." or NUL bytes.
	ErrUnsafePath = errors.New("unsafe path")
)

// Config holds the URL and directory of every root. Empty pairs are skipped.
type Config struct {
	SiteURL    string
	SiteDir    string
	ContentURL string
	ContentDir string
	PluginsURL string
	PluginsDir string
	// ConcatBaseDir, when set, is tried before any root: references are
	// joined to it directly and used if the file exists.
	ConcatBaseDir string
}

// Root is one url-prefix to directory mapping.
type Root struct {
	Name string
	URL  string
	Dir  string

	host string // lowercased host[:port]; empty for host-relative roots
	path string // url path without trailing slash; empty at host root
}

// Mapper resolves asset references to files. It is immutable after New and
// safe for concurrent use.
type Mapper struct {
	roots    []Root // priority order: plugins, content, site
	siteHost string
	baseDir  string
	log      *zap.Logger
}

// New builds a Mapper. At least the site root must be configured.
func New(cfg Config, log *zap.Logger) (*Mapper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mapper{log: log.Named("pathmap")}

	pairs := []struct{ name, u, dir string }{
		{"plugins", cfg.PluginsURL, cfg.PluginsDir},
		{"content", cfg.ContentURL, cfg.ContentDir},
		{"site", cfg.SiteURL, cfg.SiteDir},
	}
	for _, p := range pairs {
		if p.u == "" && p.dir == "" {
			continue
		}
		root, err := newRoot(p.name, p.u, p.dir)
		if err != nil {
			return nil, err
		}
		if p.name == "site" {
			m.siteHost = root.host
		}
		m.roots = append(m.roots, root)
	}
	if len(m.roots) == 0 || m.roots[len(m.roots)-1].Name != "site" {
		return nil, fmt.Errorf("pathmap: site root is required")
	}

	if cfg.ConcatBaseDir != "" {
		dir, err := normalizeDir(cfg.ConcatBaseDir)
		if err != nil {
			return nil, fmt.Errorf("pathmap: concat base dir: %w", err)
		}
		m.baseDir = dir
	}
	return m, nil
}

func newRoot(name, rawURL, dir string) (Root, error) {
	if rawURL == "" || dir == "" {
		return Root{}, fmt.Errorf("pathmap: %s root needs both a url and a directory", name)
	}
	host, p, err := splitURL(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return Root{}, fmt.Errorf("pathmap: %s url %q: %w", name, rawURL, err)
	}
	d, err := normalizeDir(dir)
	if err != nil {
		return Root{}, fmt.Errorf("pathmap: %s dir: %w", name, err)
	}
	return Root{
		Name: name,
		URL:  strings.TrimRight(rawURL, "/"),
		Dir:  d,
		host: host,
		path: strings.TrimRight(p, "/"),
	}, nil
}

func normalizeDir(dir string) (string, error) {
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("%q is not absolute", dir)
	}
	return filepath.Clean(dir), nil
}

// Roots returns the configured roots in resolution priority order.
func (m *Mapper) Roots() []Root {
	out := make([]Root, len(m.roots))
	copy(out, m.roots)
	return out
}

// BaseDir returns the concat base directory, or "" when not configured.
func (m *Mapper) BaseDir() string { return m.baseDir }

// Resolve maps a URL or URI path to a canonical filesystem path. It does not
// check that the file exists, except for the concat base dir shortcut which
// falls through to normal resolution when the file is missing.
func (m *Mapper) Resolve(uriOrURL string) (string, error) {
	if uriOrURL == "" {
		return "", ErrNotFound
	}
	if unsafe(uriOrURL) {
		return "", ErrUnsafePath
	}

	host, p, err := splitURL(uriOrURL)
	if err != nil {
		return "", ErrNotFound
	}
	if unsafe(p) {
		return "", ErrUnsafePath
	}

	if host == "" && m.baseDir != "" {
		if fsPath, ok := m.fromBaseDir(p); ok {
			return fsPath, nil
		}
	}

	if host != "" && !m.knownHost(host) {
		m.log.Debug("Unknown host", zap.String("host", host), zap.String("input", uriOrURL))
		return "", ErrNotFound
	}
	if p == "" {
		p = "/"
	} else if p[0] != '/' {
		p = "/" + p
	}

	// A host-relative input carries no host to compare, so every root is a
	// candidate and the longest path prefix wins even when that root lives
	// on another host. Combo references are host-relative, and a CDN-hosted
	// content root must still serve them by path.
	best := -1
	for i, r := range m.roots {
		if host != "" && r.host != "" && r.host != host {
			continue
		}
		if !hasPathPrefix(p, r.path) {
			continue
		}
		if best < 0 || len(r.path) > len(m.roots[best].path) {
			best = i
		}
	}
	if best < 0 {
		return "", ErrNotFound
	}

	r := m.roots[best]
	fsPath, ok := within(r.Dir, strings.TrimPrefix(p, r.path))
	if !ok {
		return "", ErrUnsafePath
	}
	return fsPath, nil
}

// IsInternal reports whether u points at one of the configured hosts. Host
// relative paths are always internal.
func (m *Mapper) IsInternal(u string) bool {
	host, _, err := splitURL(u)
	if err != nil {
		return false
	}
	return host == "" || m.knownHost(host)
}

// RelativeToBase returns fsPath relative to the concat base dir, using
// forward slashes, or false when fsPath is outside it.
func (m *Mapper) RelativeToBase(fsPath string) (string, bool) {
	if m.baseDir == "" {
		return "", false
	}
	rel, err := filepath.Rel(m.baseDir, fsPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (m *Mapper) fromBaseDir(p string) (string, bool) {
	fsPath, ok := within(m.baseDir, p)
	if !ok {
		return "", false
	}
	info, err := os.Stat(fsPath)
	if err != nil || info.IsDir() {
		return "", false
	}
	return fsPath, true
}

func (m *Mapper) knownHost(host string) bool {
	if host == m.siteHost {
		return true
	}
	for _, r := range m.roots {
		if r.host == host {
			return true
		}
	}
	return false
}

// within joins a slash-separated relative path to dir and verifies the
// result did not escape dir.
func within(dir, rel string) (string, bool) {
	cleanDir := filepath.Clean(dir)
	p := filepath.Join(cleanDir, filepath.FromSlash(rel))
	if p != cleanDir && !strings.HasPrefix(p, cleanDir+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// splitURL returns the lowercased host (empty when s is host-relative) and
// the decoded path of s. Query and fragment are dropped.
func splitURL(s string) (host, p string, err error) {
	if strings.Contains(s, "://") || strings.HasPrefix(s, "//") {
		u, err := url.Parse(s)
		if err != nil {
			return "", "", err
		}
		if u.Host == "" {
			return "", "", fmt.Errorf("missing host")
		}
		return strings.ToLower(u.Host), u.Path, nil
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if dec, err := url.PathUnescape(s); err == nil {
		s = dec
	}
	return "", s, nil
}

func hasPathPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func unsafe(s string) bool {
	return strings.Contains(s, "..") || strings.ContainsRune(s, 0)
}
