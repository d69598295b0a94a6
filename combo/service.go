// Package combo implements the combo endpoint's engine: it parses a combo
// query, resolves and validates every referenced file, rewrites stylesheets
// and concatenates the result.
package combo

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"assetcombo/css"
	"assetcombo/models"
	"assetcombo/pathmap"
)

// DefaultMaxFiles is the reference limit used when Options.MaxFiles is 0.
const DefaultMaxFiles = 150

// Resolver maps a combo reference to a filesystem path.
type Resolver interface {
	Resolve(uriOrURL string) (string, error)
}

// Options controls validation and post-processing.
type Options struct {
	MaxFiles   int
	UniqueMIME bool
	MinifyCSS  bool
	MinifyJS   bool
}

// Service builds combined responses. It is safe for concurrent use.
type Service struct {
	resolver Resolver
	memo     *ImportMemo
	minifier *Minifier
	opts     Options
	log      *zap.Logger
}

// New returns a Service. memo may be nil.
func New(resolver Resolver, memo *ImportMemo, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	return &Service{
		resolver: resolver,
		memo:     memo,
		minifier: NewMinifier(opts.MinifyCSS, opts.MinifyJS),
		opts:     opts,
		log:      log.Named("combo"),
	}
}

// Memo returns the service's @import memo, which may be nil.
func (s *Service) Memo() *ImportMemo { return s.memo }

// Build parses requestURI and returns the combined response. Any returned
// error is a *StatusError; no partial response is ever returned.
func (s *Service) Build(requestURI string) (*models.ComboResponse, error) {
	req, err := ParseRequest(requestURI, s.opts.MaxFiles)
	if err != nil {
		return nil, err
	}
	return s.Combine(req)
}

// Combine builds the response for an already parsed request.
func (s *Service) Combine(req *Request) (*models.ComboResponse, error) {
	var (
		hoist    css.Hoister
		out      strings.Builder
		mimeType models.MIMEType
		lastMod  time.Time
	)
	for _, ref := range req.Paths {
		asset, err := s.load(ref)
		if err != nil {
			return nil, err
		}
		if mimeType == "" {
			mimeType = asset.MIMEType
		} else if s.opts.UniqueMIME && asset.MIMEType != mimeType {
			return nil, badRequest("%s is %s, batch is %s", ref, asset.MIMEType, mimeType)
		}
		if asset.ModTime.After(lastMod) {
			lastMod = asset.ModTime
		}

		switch asset.MIMEType {
		case models.MIMECSS:
			out.WriteString(s.stylesheet(asset, req.SubdirPrefix, &hoist))
		case models.MIMEJS:
			out.WriteString(s.script(asset))
			out.WriteString(";\n")
		}
	}

	body := make([]byte, 0, hoist.Len()+out.Len())
	body = append(body, hoist.Prelude()...)
	body = append(body, out.String()...)

	lastMod = lastMod.Truncate(time.Second)
	resp := &models.ComboResponse{
		Body:     body,
		ModTime:  lastMod,
		MIMEType: mimeType,
		Headers: []models.Header{
			{Name: "Last-Modified", Value: lastMod.UTC().Format(http.TimeFormat)},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Content-Type", Value: string(mimeType)},
		},
	}
	s.log.Debug("Combined",
		zap.Int("files", len(req.Paths)),
		zap.String("type", string(mimeType)),
		zap.Int("bytes", len(body)),
	)
	return resp, nil
}

// load resolves, validates and reads one reference.
func (s *Service) load(ref string) (*models.ResolvedAsset, error) {
	fsPath, err := s.resolver.Resolve(ref)
	switch {
	case errors.Is(err, pathmap.ErrUnsafePath):
		return nil, badRequest("%s: %v", ref, err)
	case err != nil:
		return nil, notFound("%s: %v", ref, err)
	}

	fi, err := os.Stat(fsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, notFound("%s: no such file", ref)
	case err != nil:
		return nil, ioFailure("stat %s: %v", ref, err)
	case fi.IsDir():
		return nil, notFound("%s: is a directory", ref)
	}

	mimeType, ok := mimeTypeOf(fsPath)
	if !ok {
		return nil, badRequest("%s: unsupported file type", ref)
	}

	buf, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, ioFailure("read %s: %v", ref, err)
	}
	return &models.ResolvedAsset{
		URIPath:  ref,
		FSPath:   fsPath,
		MIMEType: mimeType,
		ModTime:  fi.ModTime(),
		Bytes:    buf,
	}, nil
}

// stylesheet rewrites one stylesheet, feeds its hoisted rules to hoist and
// returns the body to append.
func (s *Service) stylesheet(a *models.ResolvedAsset, subdir string, hoist *css.Hoister) string {
	dir := path.Join("/", subdir, path.Dir(refPath(a.URIPath)))
	src := string(a.Bytes)

	var res css.Result
	if s.memo.Lookup(a.FSPath, a.ModTime, a.Bytes) {
		var err error
		res, err = css.Rewrite(src, dir)
		if err != nil {
			s.log.Warn("@import rules left in place",
				zap.String("file", a.URIPath),
				zap.Error(err),
			)
		}
	} else {
		res = css.RewriteWithoutImports(src, dir)
	}
	if kept := hoist.Add(res); res.Charset != "" && !kept {
		s.log.Debug("Dropped later @charset", zap.String("file", a.URIPath))
	}
	return s.minify(a, res.Body)
}

func (s *Service) script(a *models.ResolvedAsset) string {
	return s.minify(a, string(a.Bytes))
}

func (s *Service) minify(a *models.ResolvedAsset, body string) string {
	if !s.minifier.Enabled(a.MIMEType) {
		return body
	}
	out, err := s.minifier.Minify(a.MIMEType, body)
	if err != nil {
		s.log.Warn("Minify failed, serving unminified",
			zap.String("file", a.URIPath),
			zap.Error(err),
		)
		return body
	}
	return out
}

// refPath returns the path component of a reference, which may be a full URL.
func refPath(ref string) string {
	if i := strings.Index(ref, "://"); i >= 0 {
		rest := ref[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	if strings.HasPrefix(ref, "//") {
		return refPath("x:" + ref)
	}
	if !strings.HasPrefix(ref, "/") {
		return "/" + ref
	}
	return ref
}
