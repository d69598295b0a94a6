package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// routes holds everything the router dispatches to. A nil registry disables
// /metrics.
type routes struct {
	combo    http.Handler
	href     http.HandlerFunc
	registry *prometheus.Registry
	log      *zap.Logger
}

// newRouter attaches all handlers to a chi router.
func newRouter(rt routes) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(accessLog(rt.log))
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)

	if rt.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})

	// Group href encoding for the page renderer
	r.Post("/_combo/href", rt.href)

	// Combo requests. The combo path may sit under any subdirectory, so
	// everything else lands here.
	r.Handle("/*", rt.combo)

	return r
}

// securityHeaders stops browsers from sniffing combined bodies into another
// type.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one Debug line per request.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !log.Core().Enabled(zap.DebugLevel) {
				next.ServeHTTP(w, r)
				return
			}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("Request",
				zap.String("id", chimw.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("uri", r.RequestURI),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
