// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/odic-edge/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes the metrics endpoint must not shadow.
var reservedPaths = []string{"/api", "/healthz", "/edge/status", "/edge/cache"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	SiteOrigin string `kong:"help='Site origin to front (overrides config).',env='SITE_ORIGIN'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Transcode TranscodeConfig `toml:"transcode"`
	Site      SiteConfig      `toml:"site"`
	Shim      ShimConfig      `toml:"shim"`
	Cache     CacheConfig     `toml:"cache"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port" validate:"gte=0,lte=65535"` // 0 means "use default" (8000)
	BodyMaxBytes int64           `toml:"body_max_bytes" validate:"gte=0"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the two API origins and how hosts are classified
// between them.
type UpstreamConfig struct {
	ProductionURL   string   `toml:"production_url" validate:"required,url"`
	StagingURL      string   `toml:"staging_url" validate:"required,url"`
	StagingMarkers  []string `toml:"staging_markers" validate:"dive,required"`
	PreviewSuffixes []string `toml:"preview_suffixes" validate:"dive,required"`
	TimeoutSeconds  int      `toml:"timeout_seconds" validate:"gte=0"`
	IdleConnections int      `toml:"idle_connections" validate:"gte=0"`
}

// TranscodeConfig lists the API path prefixes whose form bodies are
// converted to JSON at the edge.
type TranscodeConfig struct {
	Paths []string `toml:"paths" validate:"dive,required"`
}

// SiteConfig selects how non-API routes are served: from a local
// directory, or from an origin fronted by the cache manager.
type SiteConfig struct {
	Root   string `toml:"root"`
	Origin string `toml:"origin" validate:"omitempty,url"`
}

// ShimConfig controls the script injected into HTML pages.
type ShimConfig struct {
	GlobalName      string   `toml:"global_name"`
	DeploymentHosts []string `toml:"deployment_hosts" validate:"dive,required"`
	VendorPath      string   `toml:"vendor_path"`
	Favicon         string   `toml:"favicon"`
}

// CacheConfig controls the cache manager in front of the site origin.
type CacheConfig struct {
	Enabled            bool        `toml:"enabled"`
	Backend            string      `toml:"backend" validate:"omitempty,oneof=memory redis"`
	Generation         string      `toml:"generation"`
	Assets             []string    `toml:"assets" validate:"dive,startswith=/"`
	Shell              string      `toml:"shell" validate:"omitempty,startswith=/"`
	BypassParam        string      `toml:"bypass_param"`
	InstallConcurrency int         `toml:"install_concurrency" validate:"gte=0"`
	AdminToken         string      `toml:"admin_token"`
	Redis              RedisConfig `toml:"redis"`
}

// RedisConfig holds connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
	Prefix   string `toml:"prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=json text"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/odic-edge/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.applyUpstreamDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.SiteOrigin != "" {
		c.Site.Origin = cli.SiteOrigin
	}
}

// applyUpstreamDefaults fills the API origins before validation so that a
// config file without an [upstream] table still targets the real APIs.
func (c *Config) applyUpstreamDefaults() {
	if c.Upstream.ProductionURL == "" {
		c.Upstream.ProductionURL = "https://api.odicinternational.com"
	}
	if c.Upstream.StagingURL == "" {
		c.Upstream.StagingURL = "https://api-staging.odicinternational.com"
	}
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q check (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return err
	}

	// Upstream URLs must be HTTPS.
	for name, raw := range map[string]string{
		"upstream.production_url": c.Upstream.ProductionURL,
		"upstream.staging_url":    c.Upstream.StagingURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("%s must use HTTPS; got %q", name, raw)
		}
	}

	if c.Site.Root != "" && c.Site.Origin != "" {
		return fmt.Errorf("site.root and site.origin are mutually exclusive")
	}
	if c.Site.Origin != "" {
		u, err := url.Parse(c.Site.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("site.origin must be an absolute http(s) URL; got %q", c.Site.Origin)
		}
	}
	if c.Cache.Enabled && c.Site.Origin == "" {
		return fmt.Errorf("cache.enabled requires site.origin")
	}
	if c.Cache.Enabled && strings.EqualFold(c.Cache.Backend, "redis") && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// fieldPath turns a validator namespace such as "Config.Server.Port" into
// the dotted TOML key "server.port".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.StagingMarkers == nil {
		c.Upstream.StagingMarkers = []string{"dashboard-staging"}
	}
	if c.Upstream.PreviewSuffixes == nil {
		c.Upstream.PreviewSuffixes = []string{"odic-finance-ui.pages.dev"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Transcode.Paths == nil {
		c.Transcode.Paths = []string{"vendors", "roles"}
	}
	if c.Site.Root == "" && c.Site.Origin == "" {
		c.Site.Root = "public"
	}
	if c.Shim.GlobalName == "" {
		c.Shim.GlobalName = "ODIC_API_BASE_URL"
	}
	if c.Shim.DeploymentHosts == nil {
		c.Shim.DeploymentHosts = []string{"odicinternational.com", "workers.dev"}
	}
	if c.Shim.VendorPath == "" {
		c.Shim.VendorPath = "/api/vendors"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Generation == "" {
		c.Cache.Generation = "odic-static-v6"
	}
	if c.Cache.Assets == nil {
		c.Cache.Assets = []string{
			"/",
			"/index.html",
			"/style.css",
			"/app.js",
			"/manifest.webmanifest",
			"/icons/icon-192.svg",
			"/icons/icon-512.svg",
		}
	}
	if c.Cache.Shell == "" {
		c.Cache.Shell = "/index.html"
	}
	if c.Cache.BypassParam == "" {
		c.Cache.BypassParam = "nosw"
	}
	if c.Cache.InstallConcurrency == 0 {
		c.Cache.InstallConcurrency = 4
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "odic-edge"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may carry the cache admin token and redis password.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
