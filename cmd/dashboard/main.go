package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ringsaturn/tzf"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard/internal/cache"
	"github.com/kjstillabower/weather-dashboard/internal/cities"
	"github.com/kjstillabower/weather-dashboard/internal/client"
	"github.com/kjstillabower/weather-dashboard/internal/config"
	"github.com/kjstillabower/weather-dashboard/internal/dashboard"
	"github.com/kjstillabower/weather-dashboard/internal/feed"
	"github.com/kjstillabower/weather-dashboard/internal/health"
	httphandler "github.com/kjstillabower/weather-dashboard/internal/http"
	"github.com/kjstillabower/weather-dashboard/internal/icons"
	"github.com/kjstillabower/weather-dashboard/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	registry, err := loadRegistry(cfg, logger)
	if err != nil {
		logger.Fatal("city registry", zap.Error(err))
	}
	logger.Info("city registry loaded", zap.Int("cities", registry.Len()), zap.String("default", registry.DefaultCityID()))

	feedClient, err := client.NewFeedClient(cfg.FeedBaseURL, cfg.FeedTimeout, registry.Location)
	if err != nil {
		logger.Fatal("feed client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		feedClient.SetCircuitBreaker(client.NewCircuitBreaker(cfg.CircuitBreakerFailures, cfg.CircuitBreakerTimeout))
		logger.Info("circuit breaker enabled", zap.Uint32("failures", cfg.CircuitBreakerFailures), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	if cfg.FeedRateLimitRPS > 0 {
		feedClient.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.FeedRateLimitRPS), cfg.FeedRateLimitBurst))
	}

	var markerCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		markerCache = mc
		logger.Info("marker cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		markerCache = cache.NewInMemoryCache()
		logger.Info("marker cache backend: in_memory")
	}

	tracker := health.NewTracker(maxDuration(cfg.DegradedWindow, cfg.OverloadWindow))
	feedService := feed.NewService(feedClient, markerCache, feed.Options{
		MarkerTTL:       cfg.MarkerTTL,
		CacheBackend:    cfg.CacheBackend,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Tracker:         tracker,
		Logger:          logger,
	})

	hub := dashboard.NewHub(dashboard.Config{
		Registry:         registry,
		Fetcher:          feedService,
		Markers:          feedService,
		Resolver:         icons.NewResolver(logger),
		RefreshPeriod:    cfg.RefreshPeriod,
		MapToken:         cfg.MapAccessToken,
		MapStyle:         cfg.MapStyle,
		AlertThreshold:   cfg.AlertThreshold,
		AlertConsecutive: cfg.AlertConsecutive,
		IdleTimeout:      cfg.SessionIdleTimeout,
		MaxSessions:      cfg.MaxSessions,
		Logger:           logger,
	})
	if err := hub.Start(cfg.SessionReapInterval); err != nil {
		logger.Fatal("session reaper", zap.Error(err))
	}

	var warmer *cache.Warmer
	if cfg.WarmEnabled {
		warmer = cache.NewWarmer(feedService, logger, cfg.WarmTimeout)
		if err := warmer.Start(registry.IDs(), cfg.WarmInterval); err != nil {
			logger.Fatal("marker warmer", zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	evaluator := health.NewEvaluator(health.Config{
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		DegradedMinRequests:  cfg.DegradedMinRequests,
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         float64(cfg.RateLimitRPS),
		IdleAfter:            cfg.IdleAfter,
		StartTime:            time.Now(),
	}, tracker, hub.Len)

	var cachePing func() error
	if memcacheCloser != nil {
		cachePing = memcacheCloser.Ping
	}
	handler := httphandler.NewHandler(hub, registry, evaluator, tracker, cachePing, logger)

	observability.RegisterWindowGauges(
		func() float64 { return float64(tracker.RequestCount(cfg.OverloadWindow)) },
		func() float64 { return float64(tracker.DenialCount(cfg.OverloadWindow)) },
		func() float64 { errs, _ := tracker.ErrorRate(cfg.DegradedWindow); return float64(errs) },
	)
	tracked := cfg.TrackedCities
	if len(tracked) == 0 {
		tracked = registry.IDs()
	}
	observability.SetTrackedCities(tracked)

	routerCfg := httphandler.RouterConfig{
		Limiter:        limiter,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}
	if cfg.TestingMode {
		routerCfg.Test = httphandler.NewTestEndpoints(handler, httphandler.TestConfig{
			Window:         cfg.DegradedWindow,
			RateLimitRPS:   float64(cfg.RateLimitRPS),
			RateLimitBurst: cfg.RateLimitBurst,
			Limiter:        limiter,
		})
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      httphandler.NewRouter(handler, routerCfg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Bool("map_enabled", cfg.MapAccessToken != ""))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	health.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if warmer != nil {
		warmer.Stop()
	}
	logger.Info("closing dashboards", zap.Int("count", hub.Len()))
	hub.Close()

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
}

// loadRegistry returns the embedded registry, or the configured cities file. The
// timezone finder is only built when some row lacks a timezone.
func loadRegistry(cfg *config.Config, logger *zap.Logger) (*cities.Registry, error) {
	reg := cities.Default()
	if cfg.CitiesFile != "" {
		data, err := os.ReadFile(cfg.CitiesFile)
		if err != nil {
			return nil, fmt.Errorf("read cities file: %w", err)
		}
		var finder cities.TimezoneFinder
		if cities.NeedsFinder(data) {
			f, err := tzf.NewDefaultFinder()
			if err != nil {
				return nil, fmt.Errorf("timezone finder: %w", err)
			}
			finder = f
			logger.Info("resolving city timezones from coordinates")
		}
		if reg, err = cities.Load(data, finder); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultCity != "" && cfg.DefaultCity != reg.DefaultCityID() {
		return reg.WithDefault(cfg.DefaultCity)
	}
	return reg, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
