// Package server wires the combo pipeline to HTTP and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"assetcombo/combo"
	"assetcombo/config"
	"assetcombo/handlers"
	"assetcombo/pathmap"
	"assetcombo/respcache"
)

// shutdownTimeout bounds how long in-flight responses may take once the
// server is asked to stop.
const shutdownTimeout = 15 * time.Second

// Server is a configured, not yet listening, combo server.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	mapper    *pathmap.Mapper
	cache     *respcache.Cache
	stats     *handlers.Stats
	handler   http.Handler
	stopWatch func()
}

// New builds every component from cfg. Close releases what it started.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	mapper, err := pathmap.New(pathmap.Config{
		SiteURL:       cfg.SiteURL,
		SiteDir:       cfg.SiteDir,
		ContentURL:    cfg.ContentURL,
		ContentDir:    cfg.ContentDir,
		PluginsURL:    cfg.PluginsURL,
		PluginsDir:    cfg.PluginsDir,
		ConcatBaseDir: cfg.ConcatBaseDir,
	}, log)
	if err != nil {
		return nil, err
	}

	memo, err := combo.NewImportMemo(cfg.ImportMemoSize)
	if err != nil {
		return nil, err
	}
	svc := combo.New(mapper, memo, combo.Options{
		MaxFiles:   cfg.MaxFiles,
		UniqueMIME: cfg.UniqueMIME,
		MinifyCSS:  cfg.MinifyCSS,
		MinifyJS:   cfg.MinifyJS,
	}, log)

	var cache *respcache.Cache
	if cfg.CacheDir != "" {
		cache = respcache.New(respcache.Options{
			Dir:    cfg.CacheDir,
			Prefix: cfg.CachePrefix,
			TTL:    cfg.CacheTTL,
		}, log)
	}

	var (
		registry *prometheus.Registry
		metrics  *handlers.Metrics
	)
	if cfg.Metrics {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = handlers.NewMetrics(registry)
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		mapper:    mapper,
		cache:     cache,
		stats:     handlers.NewStats(cfg.StatsDir, log),
		stopWatch: func() {},
	}

	// Watch all roots and drop memo entries for stylesheets that change.
	if cfg.Watch {
		stop, err := handlers.StartWatcher(s.watchDirs(), memo, log)
		if err != nil {
			log.Warn("Could not start filesystem watcher", zap.Error(err))
		} else {
			s.stopWatch = stop
		}
	}

	s.handler = newRouter(routes{
		combo:    handlers.NewComboHandler(svc, cache, s.stats, metrics, handlers.NewEgress(cfg.BandwidthLimit, log), log),
		href:     handlers.HrefHandler(combo.NewHrefBuilder(mapper, cfg.SiteURL, true), svc.Memo(), log),
		registry: registry,
		log:      log,
	})
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close stops the watcher and flushes statistics.
func (s *Server) Close() {
	s.stopWatch()
	s.stats.Close()
}

// Run listens on the configured port until ctx is cancelled, then drains
// in-flight requests and closes the server.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		s.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler: s.handler,

		// ReadHeaderTimeout caps how long the server waits for a client to
		// finish sending HTTP headers.
		ReadHeaderTimeout: 20 * time.Second,

		// IdleTimeout closes keep-alive connections that have been idle for
		// this duration.
		IdleTimeout: 120 * time.Second,

		// WriteTimeout is absent: the bandwidth limiter may legitimately
		// stretch large combined bodies well past any fixed deadline.
	}

	s.logStartup(ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) {
		err = multierr.Append(err, serr)
	}
	return err
}

// watchDirs lists the directories whose stylesheets can be combined.
func (s *Server) watchDirs() []string {
	var dirs []string
	for _, r := range s.mapper.Roots() {
		dirs = append(dirs, r.Dir)
	}
	if base := s.mapper.BaseDir(); base != "" {
		dirs = append(dirs, base)
	}
	return dirs
}

// logStartup prints a structured summary of the active configuration.
func (s *Server) logStartup(addr string) {
	cfg := s.cfg
	fields := []zap.Field{
		zap.String("address", "http://"+addr),
		zap.Int("max_files", cfg.MaxFiles),
		zap.Bool("unique_mime", cfg.UniqueMIME),
		zap.String("minify", minifyStr(cfg.MinifyCSS, cfg.MinifyJS)),
		zap.Bool("watch", cfg.Watch),
		zap.Bool("metrics", cfg.Metrics),
	}
	if cfg.BandwidthLimit > 0 {
		fields = append(fields, zap.String("bandwidth", handlers.FormatBits(cfg.BandwidthLimit)))
	} else {
		fields = append(fields, zap.String("bandwidth", "unlimited"))
	}
	if s.cache != nil {
		fields = append(fields, zap.String("cache_dir", s.cache.Dir()), zap.Duration("cache_ttl", cfg.CacheTTL))
	} else {
		fields = append(fields, zap.String("cache_dir", "(disabled)"))
	}
	if cfg.ConcatBaseDir != "" {
		fields = append(fields, zap.String("concat_base_dir", cfg.ConcatBaseDir))
	}
	s.log.Info("Asset combo server starting", fields...)

	for _, r := range s.mapper.Roots() {
		s.log.Info("Serving root", zap.String("name", r.Name), zap.String("url", r.URL), zap.String("dir", r.Dir))
	}
}

// minifyStr describes which asset types are minified.
func minifyStr(css, js bool) string {
	switch {
	case css && js:
		return "css,js"
	case css:
		return "css"
	case js:
		return "js"
	}
	return "off"
}
