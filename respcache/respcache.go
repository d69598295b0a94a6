// Package respcache stores combined responses on disk, keyed by the MD5 of
// the request URI. Each entry is two sibling files in the cache directory:
//
//	<prefix>-<md5>        response body
//	<prefix>-meta-<md5>   JSON list of response headers
//
// Files are written to a temporary name and renamed into place, so
// concurrent readers see either the old entry or the new one.
package respcache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"assetcombo/models"
)

var (
	// ErrMiss is returned when no usable entry exists for a request.
	ErrMiss = errors.New("respcache: miss")
	// ErrDisabled is returned when there is no writable cache directory.
	ErrDisabled = errors.New("respcache: disabled")
)

// Entry is a cached response. Body is not loaded by Lookup.
type Entry struct {
	Key     string
	Headers []models.Header
	// ModTime is the modification time of the stored body, which governs
	// both expiry and conditional requests.
	ModTime time.Time

	bodyPath string
}

// Options configures a Cache.
type Options struct {
	// Dir is the cache directory. Empty disables the cache.
	Dir    string
	Prefix string
	// TTL is how long an entry stays valid. Zero keeps entries forever.
	TTL time.Duration
}

// Cache is safe for concurrent use, including by several processes sharing
// one directory.
type Cache struct {
	dir    string
	prefix string
	ttl    time.Duration
	log    *zap.Logger
	warn   rate.Sometimes
	now    func() time.Time
}

// New returns a Cache. The directory is created lazily on the first Put.
func New(opts Options, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "combo"
	}
	dir := opts.Dir
	if dir != "" {
		dir = filepath.Clean(dir)
	}
	return &Cache{
		dir:    dir,
		prefix: prefix,
		ttl:    opts.TTL,
		log:    log.Named("respcache"),
		warn:   rate.Sometimes{Interval: time.Minute},
		now:    time.Now,
	}
}

// Enabled reports whether a cache directory is configured.
func (c *Cache) Enabled() bool { return c != nil && c.dir != "" }

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Key returns the hex MD5 of requestURI.
func Key(requestURI string) string {
	sum := md5.Sum([]byte(requestURI))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) bodyPath(key string) string {
	return filepath.Join(c.dir, c.prefix+"-"+key)
}

func (c *Cache) metaPath(key string) string {
	return filepath.Join(c.dir, c.prefix+"-meta-"+key)
}

// Lookup returns the entry for requestURI without reading its body. Expired
// entries are removed and reported as ErrMiss.
func (c *Cache) Lookup(requestURI string) (*Entry, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	key := Key(requestURI)
	bp := c.bodyPath(key)

	fi, err := os.Stat(bp)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, c.unavailable(err)
	}
	if c.expired(fi.ModTime()) {
		c.remove(key)
		return nil, ErrMiss
	}

	raw, err := os.ReadFile(c.metaPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("respcache: read meta: %w", err)
	}
	var headers []models.Header
	if err := json.Unmarshal(raw, &headers); err != nil {
		c.log.Warn("Dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.remove(key)
		return nil, ErrMiss
	}
	return &Entry{
		Key:      key,
		Headers:  headers,
		ModTime:  fi.ModTime(),
		bodyPath: bp,
	}, nil
}

// ReadBody loads the body of an entry returned by Lookup. A body removed in
// the meantime is reported as ErrMiss.
func (c *Cache) ReadBody(e *Entry) ([]byte, error) {
	b, err := os.ReadFile(e.bodyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("respcache: read body: %w", err)
	}
	return b, nil
}

// Put stores body and headers for requestURI. The body is written first so
// a reader never finds metadata without a body. When the directory cannot be
// written a rate-limited warning is logged and ErrDisabled is returned; the
// caller should still serve the response.
func (c *Cache) Put(requestURI string, headers []models.Header, body []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return c.unavailable(err)
	}
	meta, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("respcache: encode meta: %w", err)
	}

	key := Key(requestURI)
	if err := c.writeAtomic(c.bodyPath(key), body); err != nil {
		return c.unavailable(err)
	}
	if err := c.writeAtomic(c.metaPath(key), meta); err != nil {
		c.remove(key)
		return c.unavailable(err)
	}
	return nil
}

func (c *Cache) remove(key string) {
	for _, p := range []string{c.bodyPath(key), c.metaPath(key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.log.Debug("Could not remove cache file", zap.String("path", p), zap.Error(err))
		}
	}
}

func (c *Cache) expired(mod time.Time) bool {
	return c.ttl > 0 && c.now().Sub(mod) > c.ttl
}

func (c *Cache) unavailable(err error) error {
	c.warn.Do(func() {
		c.log.Warn("Response cache unavailable, serving uncached",
			zap.String("dir", c.dir),
			zap.Error(err),
		)
	})
	return fmt.Errorf("%w: %v", ErrDisabled, err)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over path.
func (c *Cache) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+c.prefix+"-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}
