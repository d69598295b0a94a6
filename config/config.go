// Package config handles all server configuration.
// CLI flags take precedence, then environment variables, then the optional
// YAML file, then built-in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config holds the complete server configuration.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// SiteURL and SiteDir map the site root; both are required.
	SiteURL string `yaml:"site_url"`
	SiteDir string `yaml:"site_dir"`
	// ContentURL and ContentDir default to the site root + /wp-content.
	ContentURL string `yaml:"content_url,omitempty"`
	ContentDir string `yaml:"content_dir,omitempty"`
	// PluginsURL and PluginsDir default to the content root + /plugins.
	PluginsURL string `yaml:"plugins_url,omitempty"`
	PluginsDir string `yaml:"plugins_dir,omitempty"`
	// ConcatBaseDir, when set, is tried before the roots when resolving
	// host-relative references.
	ConcatBaseDir string `yaml:"concat_base_dir,omitempty"`

	// MaxFiles caps the number of references in one combo request.
	MaxFiles int `yaml:"max_files"`
	// UniqueMIME rejects batches mixing stylesheets and scripts.
	UniqueMIME bool `yaml:"unique_mime"`
	MinifyCSS  bool `yaml:"minify_css"`
	MinifyJS   bool `yaml:"minify_js"`

	// CacheDir holds cached responses. Empty disables the response cache.
	CacheDir    string        `yaml:"cache_dir"`
	CachePrefix string        `yaml:"cache_prefix"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	// ImportMemoSize bounds the in-memory @import memo.
	ImportMemoSize int `yaml:"import_memo_size"`

	// Bandwidth is the human-readable egress cap, e.g. "10mbps".
	Bandwidth string `yaml:"bandwidth,omitempty"`
	// BandwidthLimit is Bandwidth in bytes per second; 0 means unlimited.
	BandwidthLimit float64 `yaml:"-"`

	// StatsDir is where combo-stats.json is kept. Defaults to the current
	// working directory.
	StatsDir string `yaml:"stats_dir"`
	// Watch enables filesystem notifications for the @import memo.
	Watch bool `yaml:"watch"`
	// Metrics exposes /metrics.
	Metrics bool `yaml:"metrics"`

	Log LogConfig `yaml:"log"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Port:           7890,
		MaxFiles:       150,
		UniqueMIME:     true,
		MinifyCSS:      true,
		CacheDir:       filepath.Join(os.TempDir(), "asset-combo-cache"),
		CachePrefix:    "combo",
		CacheTTL:       24 * time.Hour,
		ImportMemoSize: 4096,
		Watch:          true,
		Metrics:        true,
		Log:            LogConfig{Level: "info"},
	}
}

// Flags returns the command-line flags understood by FromCommand. Each flag
// can also be set through its COMBO_* environment variable.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load configuration from `FILE` (YAML)", Sources: cli.EnvVars("COMBO_CONFIG")},
		&cli.IntFlag{Name: "port", Value: 7890, Usage: "HTTP port to listen on", Sources: cli.EnvVars("COMBO_PORT")},
		&cli.StringFlag{Name: "site-url", Usage: "site root `URL`", Sources: cli.EnvVars("COMBO_SITE_URL")},
		&cli.StringFlag{Name: "site-dir", Usage: "site root `DIR`", Sources: cli.EnvVars("COMBO_SITE_DIR")},
		&cli.StringFlag{Name: "content-url", Usage: "content root `URL` (default: site URL + /wp-content)", Sources: cli.EnvVars("COMBO_CONTENT_URL")},
		&cli.StringFlag{Name: "content-dir", Usage: "content root `DIR` (default: site dir + /wp-content)", Sources: cli.EnvVars("COMBO_CONTENT_DIR")},
		&cli.StringFlag{Name: "plugins-url", Usage: "plugins root `URL` (default: content URL + /plugins)", Sources: cli.EnvVars("COMBO_PLUGINS_URL")},
		&cli.StringFlag{Name: "plugins-dir", Usage: "plugins root `DIR` (default: content dir + /plugins)", Sources: cli.EnvVars("COMBO_PLUGINS_DIR")},
		&cli.StringFlag{Name: "concat-base-dir", Usage: "resolve references against `DIR` before the roots", Sources: cli.EnvVars("COMBO_CONCAT_BASE_DIR")},
		&cli.IntFlag{Name: "max-files", Value: 150, Usage: "maximum references per combo request", Sources: cli.EnvVars("COMBO_MAX_FILES")},
		&cli.BoolFlag{Name: "unique-mime", Value: true, Usage: "reject batches mixing CSS and JS", Sources: cli.EnvVars("COMBO_UNIQUE_MIME")},
		&cli.BoolFlag{Name: "minify-css", Value: true, Usage: "minify stylesheets", Sources: cli.EnvVars("COMBO_MINIFY_CSS")},
		&cli.BoolFlag{Name: "minify-js", Usage: "minify scripts", Sources: cli.EnvVars("COMBO_MINIFY_JS")},
		&cli.StringFlag{Name: "cache-dir", Usage: "response cache `DIR` (empty disables)", Sources: cli.EnvVars("COMBO_CACHE_DIR")},
		&cli.StringFlag{Name: "cache-prefix", Value: "combo", Usage: "cache file name prefix", Sources: cli.EnvVars("COMBO_CACHE_PREFIX")},
		&cli.DurationFlag{Name: "cache-ttl", Value: 24 * time.Hour, Usage: "cache entry lifetime (0 keeps entries forever)", Sources: cli.EnvVars("COMBO_CACHE_TTL")},
		&cli.IntFlag{Name: "import-memo-size", Value: 4096, Usage: "number of stylesheets remembered by the @import memo", Sources: cli.EnvVars("COMBO_IMPORT_MEMO_SIZE")},
		&cli.StringFlag{Name: "bandwidth", Usage: "total egress cap, e.g. 10mbps, 500kbps, 1gbps (default: unlimited)", Sources: cli.EnvVars("COMBO_BANDWIDTH")},
		&cli.StringFlag{Name: "stats-dir", Usage: "`DIR` holding combo-stats.json (default: current working directory)", Sources: cli.EnvVars("COMBO_STATS_DIR")},
		&cli.BoolFlag{Name: "watch", Value: true, Usage: "watch roots and drop stale @import memo entries", Sources: cli.EnvVars("COMBO_WATCH")},
		&cli.BoolFlag{Name: "metrics", Value: true, Usage: "expose Prometheus metrics on /metrics", Sources: cli.EnvVars("COMBO_METRICS")},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log `LEVEL`: debug, info, warn or error", Sources: cli.EnvVars("COMBO_LOG_LEVEL")},
		&cli.BoolFlag{Name: "log-dev", Usage: "human-readable console logs", Sources: cli.EnvVars("COMBO_LOG_DEV")},
	}
}

// FromCommand builds a validated Config from the file named by --config and
// every flag or environment variable that was set explicitly.
func FromCommand(cmd *cli.Command) (*Config, error) {
	cfg := Default()
	if path := cmd.String("config"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	setString := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if cmd.IsSet(name) {
			*dst = cmd.Bool(name)
		}
	}
	setInt := func(name string, dst *int) {
		if cmd.IsSet(name) {
			*dst = intValue(cmd, name)
		}
	}

	setInt("port", &cfg.Port)
	setString("site-url", &cfg.SiteURL)
	setString("site-dir", &cfg.SiteDir)
	setString("content-url", &cfg.ContentURL)
	setString("content-dir", &cfg.ContentDir)
	setString("plugins-url", &cfg.PluginsURL)
	setString("plugins-dir", &cfg.PluginsDir)
	setString("concat-base-dir", &cfg.ConcatBaseDir)
	setInt("max-files", &cfg.MaxFiles)
	setBool("unique-mime", &cfg.UniqueMIME)
	setBool("minify-css", &cfg.MinifyCSS)
	setBool("minify-js", &cfg.MinifyJS)
	setString("cache-dir", &cfg.CacheDir)
	setString("cache-prefix", &cfg.CachePrefix)
	if cmd.IsSet("cache-ttl") {
		cfg.CacheTTL = cmd.Duration("cache-ttl")
	}
	setInt("import-memo-size", &cfg.ImportMemoSize)
	setString("bandwidth", &cfg.Bandwidth)
	setString("stats-dir", &cfg.StatsDir)
	setBool("watch", &cfg.Watch)
	setBool("metrics", &cfg.Metrics)
	setString("log-level", &cfg.Log.Level)
	setBool("log-dev", &cfg.Log.Dev)

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// intValue reads an integer flag regardless of its width.
func intValue(cmd *cli.Command, name string) int {
	switch v := cmd.Value(name).(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// loadFile superimposes the YAML file at path on cfg. Unknown keys are an
// error so typos do not go unnoticed.
func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// Finalize fills derived defaults, normalizes URLs and directories, and
// validates the result. Every problem found is reported.
func (cfg *Config) Finalize() error {
	cfg.SiteURL = trimURL(cfg.SiteURL)
	if cfg.ContentURL == "" && cfg.SiteURL != "" {
		cfg.ContentURL = joinURL(cfg.SiteURL, "/wp-content")
	}
	if cfg.PluginsURL == "" && cfg.ContentURL != "" {
		cfg.PluginsURL = joinURL(trimURL(cfg.ContentURL), "/plugins")
	}
	cfg.ContentURL = trimURL(cfg.ContentURL)
	cfg.PluginsURL = trimURL(cfg.PluginsURL)

	var errs error
	absDir := func(name string, dir *string, mustExist bool) {
		if *dir == "" {
			return
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %q: %w", name, *dir, err))
			return
		}
		*dir = filepath.Clean(abs)
		if !mustExist {
			return
		}
		info, err := os.Stat(*dir)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		case !info.IsDir():
			errs = multierr.Append(errs, fmt.Errorf("%s %q is not a directory", name, *dir))
		}
	}

	if cfg.SiteURL == "" {
		errs = multierr.Append(errs, errors.New("site url is required (--site-url or COMBO_SITE_URL)"))
	}
	if cfg.SiteDir == "" {
		errs = multierr.Append(errs, errors.New("site dir is required (--site-dir or COMBO_SITE_DIR)"))
	}
	absDir("site dir", &cfg.SiteDir, true)
	if cfg.ContentDir == "" && cfg.SiteDir != "" {
		cfg.ContentDir = filepath.Join(cfg.SiteDir, "wp-content")
	}
	absDir("content dir", &cfg.ContentDir, false)
	if cfg.PluginsDir == "" && cfg.ContentDir != "" {
		cfg.PluginsDir = filepath.Join(cfg.ContentDir, "plugins")
	}
	absDir("plugins dir", &cfg.PluginsDir, false)
	absDir("concat base dir", &cfg.ConcatBaseDir, true)
	absDir("cache dir", &cfg.CacheDir, false)

	for name, u := range map[string]string{"site url": cfg.SiteURL, "content url": cfg.ContentURL, "plugins url": cfg.PluginsURL} {
		if u == "" {
			continue
		}
		if err := checkURL(u); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %q: %w", name, u, err))
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("invalid port %d", cfg.Port))
	}
	if cfg.MaxFiles < 1 {
		errs = multierr.Append(errs, fmt.Errorf("max files must be at least 1, got %d", cfg.MaxFiles))
	}
	if cfg.CacheTTL < 0 {
		errs = multierr.Append(errs, fmt.Errorf("cache ttl must not be negative, got %s", cfg.CacheTTL))
	}
	if cfg.ImportMemoSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("import memo size must be at least 1, got %d", cfg.ImportMemoSize))
	}
	if cfg.CachePrefix == "" || strings.ContainsAny(cfg.CachePrefix, `/\`) {
		errs = multierr.Append(errs, fmt.Errorf("invalid cache prefix %q", cfg.CachePrefix))
	}
	if err := cfg.Log.validate(); err != nil {
		errs = multierr.Append(errs, err)
	}

	cfg.BandwidthLimit = 0
	if cfg.Bandwidth != "" {
		bps, err := parseBandwidth(cfg.Bandwidth)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid bandwidth %q: %w", cfg.Bandwidth, err))
		}
		cfg.BandwidthLimit = bps
	}

	if cfg.StatsDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("could not determine current working directory: %w", err))
		}
		cfg.StatsDir = cwd
	}
	return errs
}

// Dump renders cfg as YAML.
func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %w", err)
	}
	return data, nil
}

// trimURL drops trailing slashes. A bare "/" is kept as the host root.
func trimURL(u string) string {
	u = strings.TrimSpace(u)
	if t := strings.TrimRight(u, "/"); t != "" || u == "" {
		return t
	}
	return "/"
}

// joinURL appends a path segment to a root URL.
func joinURL(base, seg string) string {
	return strings.TrimRight(base, "/") + seg
}

// checkURL accepts absolute http(s) URLs with a host, and host-relative
// paths.
func checkURL(raw string) error {
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must not carry a query or fragment")
	}
	return nil
}

// parseBandwidth converts a human-readable bandwidth string to bytes per
// second. Accepted units (case-insensitive): bps, kbps, mbps, gbps.
// A bare number is treated as bits per second.
//
// Examples: "10mbps", "500 kbps", "1gbps", "131072"
func parseBandwidth(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	// Split into numeric prefix and unit suffix.
	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("no numeric value found")
	}
	numStr := s[:i]
	unit := strings.ToLower(strings.TrimFunc(s[i:], unicode.IsSpace))

	val, err := strconv.ParseFloat(numStr, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid number %q", numStr)
	}

	// Convert bits/sec units to bytes/sec.
	switch unit {
	case "", "bps":
		return val / 8, nil
	case "kbps":
		return val * 1_000 / 8, nil
	case "mbps":
		return val * 1_000_000 / 8, nil
	case "gbps":
		return val * 1_000_000_000 / 8, nil
	default:
		return 0, fmt.Errorf("unknown unit %q (accepted: bps, kbps, mbps, gbps)", unit)
	}
}
