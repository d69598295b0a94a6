package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"assetcombo/combo"
	"assetcombo/models"
	"assetcombo/respcache"
)

const (
	// CacheHeader tells whether a response came from the response cache:
	// "hit", "miss", or "bypass" when the cache is unavailable.
	CacheHeader = "X-Combo-Cache"

	cacheControl = "max-age=31536000"
)

// ComboHandler serves /_static/?? requests, consulting the response cache
// before combining. Nil optional collaborators (cache, stats, metrics,
// egress) are skipped.
type ComboHandler struct {
	svc     *combo.Service
	cache   *respcache.Cache
	stats   *Stats
	metrics *Metrics
	egress  *Egress
	log     *zap.Logger
}

// NewComboHandler wires the combo service to HTTP. cache, stats, metrics and
// egress may be nil.
func NewComboHandler(svc *combo.Service, cache *respcache.Cache, stats *Stats, metrics *Metrics, egress *Egress, log *zap.Logger) *ComboHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ComboHandler{
		svc:     svc,
		cache:   cache,
		stats:   stats,
		metrics: metrics,
		egress:  egress,
		log:     log.Named("http"),
	}
}

func (h *ComboHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.fail(w, r, http.StatusBadRequest, errors.New("method not allowed"))
		return
	}
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}

	if h.cache.Enabled() {
		if h.serveCached(w, r, uri) {
			return
		}
	}

	start := time.Now()
	resp, err := h.svc.Build(uri)
	h.metrics.observeBuild(time.Since(start))
	if err != nil {
		h.fail(w, r, combo.StatusOf(err), err)
		return
	}

	outcome := "miss"
	if !h.cache.Enabled() {
		outcome = "bypass"
	} else if err := h.cache.Put(uri, resp.Headers, resp.Body); err != nil {
		// Put has already logged the failure.
		outcome = "bypass"
	}
	h.metrics.observeCache(outcome)

	writeHeaders(w.Header(), resp.Headers, outcome)
	w.Header().Set("ETag", etag(resp.Body))
	sent := h.write(w, r, resp.Body, outcome)
	h.stats.Record(int64(sent), false)
	h.log.Debug("Served combo",
		zap.String("uri", uri),
		zap.String("type", string(resp.MIMEType)),
		zap.Int("bytes", sent),
		zap.String("cache", outcome),
		zap.Duration("took", time.Since(start)),
	)
}

// serveCached answers from the response cache and reports whether it did.
func (h *ComboHandler) serveCached(w http.ResponseWriter, r *http.Request, uri string) bool {
	entry, err := h.cache.Lookup(uri)
	if err != nil {
		// An unusable directory has already been reported by the cache.
		if !errors.Is(err, respcache.ErrMiss) && !errors.Is(err, respcache.ErrDisabled) {
			h.log.Warn("Cache lookup failed", zap.String("uri", uri), zap.Error(err))
		}
		return false
	}

	if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && ims.Before(entry.ModTime.Truncate(time.Second)) {
		h.metrics.observeCache("hit")
		ensureExposedHeader(w.Header(), CacheHeader)
		w.Header().Set(CacheHeader, "hit")
		w.WriteHeader(http.StatusNotModified)
		h.metrics.observeStatus(http.StatusNotModified)
		return true
	}

	body, err := h.cache.ReadBody(entry)
	if err != nil {
		if !errors.Is(err, respcache.ErrMiss) {
			h.log.Warn("Cache read failed", zap.String("uri", uri), zap.Error(err))
		}
		return false
	}
	h.metrics.observeCache("hit")

	writeHeaders(w.Header(), entry.Headers, "hit")
	w.Header().Set("ETag", etag(body))
	sent := h.write(w, r, body, "hit")
	h.stats.Record(int64(sent), true)
	return true
}

// write sends a 200 with body through the bandwidth cap and returns the
// number of body bytes written. HEAD sends headers only.
func (h *ComboHandler) write(w http.ResponseWriter, r *http.Request, body []byte, outcome string) int {
	w.WriteHeader(http.StatusOK)
	h.metrics.observeStatus(http.StatusOK)
	n, waited, err := h.egress.Send(w, r, body)
	if err != nil {
		h.log.Debug("Write failed", zap.Int("sent", n), zap.Int("size", len(body)), zap.Error(err))
	}
	if h.egress.Limit() > 0 && n > 0 {
		h.metrics.observeEgressWait(outcome, waited)
	}
	return n
}

func (h *ComboHandler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.metrics.observeStatus(status)
	if status >= http.StatusInternalServerError {
		h.log.Error("Combo failed", zap.String("uri", r.RequestURI), zap.Int("status", status), zap.Error(err))
	} else {
		h.log.Debug("Combo rejected", zap.String("uri", r.RequestURI), zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, http.StatusText(status), status)
}

// writeHeaders replays stored headers and adds the caching headers.
func writeHeaders(h http.Header, headers []models.Header, outcome string) {
	for _, hd := range headers {
		h.Set(hd.Name, hd.Value)
	}
	h.Set("Cache-Control", cacheControl)
	h.Set(CacheHeader, outcome)
	ensureExposedHeader(h, CacheHeader)
}

// ensureExposedHeader adds name to Access-Control-Expose-Headers so browser
// scripts can read it in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// etag returns the quoted hex MD5 of body.
func etag(body []byte) string {
	sum := md5.Sum(body)
	return strconv.Quote(hex.EncodeToString(sum[:]))
}
