package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"odic-edge/internal/cachestore"
	"odic-edge/internal/client"
	"odic-edge/internal/config"
	"odic-edge/internal/environment"
	"odic-edge/internal/handler"
	"odic-edge/internal/interceptor"
	"odic-edge/internal/metrics"
	"odic-edge/internal/middleware"
	"odic-edge/internal/offline"
	"odic-edge/internal/report"
	"odic-edge/internal/rewriter"
	"odic-edge/internal/service"
	"odic-edge/internal/shim"
	"odic-edge/internal/site"
	"odic-edge/internal/transcode"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("odic-edge"),
		kong.Description("Edge request pipeline for the ODIC dashboard."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newReporter,
			newResolver,
			newEcho,
			newInterceptors,
			newUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newSiteClient,
			newCacheStore,
			newWorker,
			handler.NewCacheHandler,
			newSite,
			newRewriter,
		),
		fx.Invoke(registerRoutes, registerMetrics, warnConfigPermissions, installGeneration, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newReporter(logger *slog.Logger, m *metrics.Metrics) report.Reporter {
	return report.NewSlogReporter(logger, m)
}

func newResolver(cfg *config.Config) (*environment.Resolver, error) {
	return environment.NewResolver(environment.Options{
		ProductionURL:   cfg.Upstream.ProductionURL,
		StagingURL:      cfg.Upstream.StagingURL,
		StagingMarkers:  cfg.Upstream.StagingMarkers,
		PreviewSuffixes: cfg.Upstream.PreviewSuffixes,
	})
}

func newEcho(cfg *config.Config, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled: proxied bodies stream and cache event
	// streams stay open for the life of a page.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond, "/healthz", handler.CacheEventsPath))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newInterceptors builds the outbound chain shared by API and origin
// traffic: API rewrite, then client-side form transcoding.
func newInterceptors(cfg *config.Config, resolver *environment.Resolver, reporter report.Reporter) *interceptor.Chain {
	chain := interceptor.New()
	chain.Register(interceptor.RewriteAPIName, interceptor.RewriteAPI(resolver, cfg.Shim.DeploymentHosts))
	chain.Register(interceptor.TranscodeFormsName, interceptor.TranscodeForms(transcode.New(transcode.ClientOptions), reporter))
	return chain
}

func newUpstreamClient(cfg *config.Config, chain *interceptor.Chain, logger *slog.Logger, m *metrics.Metrics) *client.UpstreamClient {
	uc := client.NewUpstreamClient(cfg, logger, m)
	uc.Intercept(chain)
	return uc
}

// newSiteClient returns the client used for origin traffic.
func newSiteClient(cfg *config.Config, chain *interceptor.Chain) *http.Client {
	c := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
	chain.EnsureInstalled(c)
	return c
}

func newCacheStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) cachestore.Store {
	if !strings.EqualFold(cfg.Cache.Backend, "redis") {
		return cachestore.NewMemory()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				// Store errors are treated as misses; the edge still serves.
				logger.Warn("redis cache backend unreachable", "addr", cfg.Cache.Redis.Addr, "err", err)
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			return rdb.Close()
		},
	})
	return cachestore.NewRedis(rdb, cfg.Cache.Redis.Prefix)
}

// newWorker returns nil when the cache manager is disabled.
func newWorker(cfg *config.Config, c *http.Client, store cachestore.Store, reporter report.Reporter, m *metrics.Metrics, logger *slog.Logger) (*offline.Worker, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	origin, err := url.Parse(cfg.Site.Origin)
	if err != nil {
		return nil, fmt.Errorf("site.origin: %w", err)
	}
	return offline.NewWorker(offline.Options{
		Origin:        origin,
		FallbackTag:   cfg.Cache.Generation,
		Shell:         cfg.Cache.Shell,
		BypassParam:   cfg.Cache.BypassParam,
		Concurrency:   cfg.Cache.InstallConcurrency,
		MaxEntryBytes: cfg.Server.BodyMaxBytes,
	}, c, store, reporter, m, logger), nil
}

func newSite(cfg *config.Config, w *offline.Worker, c *http.Client, logger *slog.Logger) (*site.Handler, error) {
	switch {
	case w != nil:
		return site.NewOrigin(w, logger), nil
	case cfg.Site.Origin != "":
		origin, err := url.Parse(cfg.Site.Origin)
		if err != nil {
			return nil, fmt.Errorf("site.origin: %w", err)
		}
		return site.NewOrigin(site.NewDirect(origin, c), logger), nil
	default:
		return site.NewStatic(cfg.Site.Root, strings.TrimPrefix(cfg.Cache.Shell, "/"), logger), nil
	}
}

func newRewriter(cfg *config.Config, resolver *environment.Resolver, reporter report.Reporter, m *metrics.Metrics, logger *slog.Logger) (*rewriter.Rewriter, error) {
	sc := shim.Config{
		DeploymentHosts:   cfg.Shim.DeploymentHosts,
		VendorPath:        cfg.Shim.VendorPath,
		TranscodePrefixes: transcode.ClientOptions.Prefixes,
		TranscodeMethods:  transcode.ClientOptions.Methods,
	}
	if cfg.Cache.Enabled {
		sc.EventsPath = handler.CacheEventsPath
		sc.MessagePath = handler.CacheMessagesPath
	}
	return rewriter.New(resolver, rewriter.PayloadConfig{
		GlobalName: cfg.Shim.GlobalName,
		Favicon:    cfg.Shim.Favicon,
		Shim:       sc,
	}, reporter, m, logger)
}

func registerRoutes(e *echo.Echo, cfg *config.Config, proxy *handler.ProxyHandler, health *handler.HealthHandler, cache *handler.CacheHandler, s *site.Handler, rw *rewriter.Rewriter) {
	handler.RegisterRoutes(e, handler.Routes{
		Proxy:          proxy,
		Health:         health,
		Cache:          cache,
		Site:           s.Handle,
		SiteMiddleware: []echo.MiddlewareFunc{rw.Middleware()},
		AdminToken:     cfg.Cache.AdminToken,
	})
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.Use(middleware.MetricsMiddleware(m, handler.CacheEventsPath))
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	logger.Info("metrics enabled", "path", cfg.Metrics.Path)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	if cfg.Cache.Enabled && cfg.Cache.AdminToken == "" {
		logger.Warn("cache.admin_token is empty; cache admin endpoints are unauthenticated")
	}
}

// installGeneration precaches the configured generation in the background
// once the server starts. A failed install leaves the previous state intact.
func installGeneration(lc fx.Lifecycle, w *offline.Worker, cfg *config.Config, logger *slog.Logger) {
	if w == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			gen := handler.GenerationFromConfig(cfg)
			go func() {
				if err := w.Install(ctx, gen); err != nil {
					logger.Error("cache install failed", "tag", gen.Tag, "err", err)
					return
				}
				logger.Info("cache generation installed", "tag", gen.Tag)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
