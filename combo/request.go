package combo

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"io"
	"strings"
)

const (
	// StaticDir is the path segment the combo endpoint is mounted under.
	StaticDir = "/_static/"

	queryMarker = "??"
	// maxDecodedQuery bounds the inflated size of a compressed query.
	maxDecodedQuery = 64 << 10
)

// Request is a parsed combo query.
type Request struct {
	// Paths are the references in request order.
	Paths []string
	// Version is the cache-busting suffix after the second '?', without the '?'.
	Version string
	// SubdirPrefix is the part of the request path ahead of /_static/, for
	// sites served from a subdirectory.
	SubdirPrefix string
	// Compressed reports whether the query arrived in the "-" encoded form.
	Compressed bool
}

// ParseRequest extracts the references from a combo request URI such as
//
//	/_static/??/a.css,/b/c.css?m=1700000000
//	/_static/??-eJzTT8vP109KLNJLLi7W0QdyDEE8IK4CiVjn2hpZGluYmKcDABRMDPM=
//
// No filesystem access happens here, so a request with too many references
// is rejected before any file is touched.
func ParseRequest(requestURI string, maxFiles int) (*Request, error) {
	i := strings.Index(requestURI, queryMarker)
	if i < 0 {
		return nil, badRequest("missing %q marker", queryMarker)
	}
	req := &Request{SubdirPrefix: subdirPrefix(requestURI[:i])}

	args := requestURI[i+len(queryMarker):]
	if args == "" {
		return nil, badRequest("empty combo query")
	}
	if args[0] == '-' {
		decoded, err := decodeCompressed(args[1:])
		if err != nil {
			return nil, badRequest("compressed query: %v", err)
		}
		args = decoded
		req.Compressed = true
	}

	if v := strings.IndexByte(args, '?'); v >= 0 {
		req.Version = args[v+1:]
		args = args[:v]
	}
	if args == "" {
		return nil, badRequest("empty combo query")
	}

	req.Paths = strings.Split(args, ",")
	if maxFiles > 0 && len(req.Paths) > maxFiles {
		return nil, badRequest("%d files requested, limit is %d", len(req.Paths), maxFiles)
	}
	for _, p := range req.Paths {
		if p == "" {
			return nil, badRequest("empty reference in combo query")
		}
	}
	return req, nil
}

// subdirPrefix returns what precedes /_static/ in the request path, or "".
func subdirPrefix(reqPath string) string {
	if q := strings.IndexByte(reqPath, '?'); q >= 0 {
		reqPath = reqPath[:q]
	}
	if i := strings.Index(reqPath, StaticDir); i > 0 {
		return reqPath[:i]
	}
	return ""
}

// decodeCompressed reverses EncodeCompressed.
func decodeCompressed(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Tolerate stripped padding and the URL-safe alphabet.
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return "", err
		}
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxDecodedQuery+1))
	if err != nil {
		return "", err
	}
	if len(out) > maxDecodedQuery {
		return "", io.ErrShortBuffer
	}
	return string(out), nil
}

// EncodeCompressed returns the "-"-less compressed form of a combo query:
// base64 of the zlib-deflated text.
func EncodeCompressed(query string) string {
	var buf bytes.Buffer
	zw, _ := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	_, _ = zw.Write([]byte(query))
	_ = zw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
