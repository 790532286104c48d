package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/config"
	"github.com/venued/venued/internal/coordinator"
	"github.com/venued/venued/internal/monitor"
	"github.com/venued/venued/internal/venue"
	"github.com/venued/venued/pkg/cache"
	"github.com/venued/venued/pkg/nats"
	"github.com/venued/venued/pkg/secrets"
	"github.com/venued/venued/pkg/types"
	"github.com/venued/venued/services/bybit"
)

var configPath = flag.String("config", "config.yaml", "Path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := setupLogger(cfg)
	logger.WithField("config", *configPath).Info("venued starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := buildSecretsSource(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("secrets backend unavailable")
	}

	registry := venue.NewRegistry(logger)
	if err := venue.BuildAll(registry, cfg.Venues, src, logger); err != nil {
		logger.WithError(err).Fatal("venue construction failed")
	}

	limits := make(map[string]cache.Limit, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		limits[vc.Name] = cache.Limit{Budget: vc.RateBudget, Window: vc.RateWindow}
	}
	limiter := cache.NewRateLimiter(limits)

	books := cache.New()
	books.StartSweeper(ctx, cfg.Cache.SweepInterval)

	tracker := monitor.NewTracker(cfg.LatencyWindow)
	metrics := monitor.NewCollector()

	var events *nats.Client
	if cfg.NATS.Enabled {
		events, err = nats.NewClient(nats.Config{
			URL:           cfg.NATS.URL,
			Name:          "venued",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("nats connection failed")
		}
	}

	perf := coordinator.NewPerformanceController(tracker, metrics, events, coordinator.PerformanceConfig{
		Interval:         cfg.Performance.Interval,
		TargetLatency:    cfg.Performance.TargetLatency,
		HitRateFloor:     cfg.Performance.HitRateFloor,
		SuccessRateFloor: cfg.Performance.SuccessRateFloor,
		ShrinkFactor:     cfg.Performance.ShrinkFactor,
		GrowFactor:       cfg.Performance.GrowFactor,
		InitialTTL:       cfg.Cache.InitialTTL,
		MinTTL:           cfg.Cache.MinTTL,
		MaxTTL:           cfg.Cache.MaxTTL,
	}, logger)
	perf.Start(ctx)

	coord := coordinator.New(registry, limiter, books, perf, tracker, metrics, events, coordinator.Config{
		VenueTimeout:   cfg.VenueTimeout,
		OrderBookDepth: cfg.OrderBookDepth,
	}, logger)

	health := monitor.NewMonitor(registry, events, metrics, monitor.Config{
		Interval:     cfg.Health.Interval,
		Threshold:    cfg.Health.Threshold,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	}, logger)
	health.Start(ctx)

	var preloader *coordinator.Preloader
	if cfg.Preload.Enabled && len(cfg.Preload.Watch) > 0 {
		watch := make([]coordinator.WatchItem, 0, len(cfg.Preload.Watch))
		for _, entry := range cfg.Preload.Watch {
			item, err := coordinator.ParseWatchItem(entry)
			if err != nil {
				logger.WithError(err).Fatal("invalid preload watch entry")
			}
			watch = append(watch, item)
		}
		preloader = coordinator.NewPreloader(registry, limiter, books, perf, metrics, watch, coordinator.PreloaderConfig{
			Interval: cfg.Preload.Interval,
			Margin:   cfg.Preload.Margin,
			Workers:  cfg.Preload.Workers,
			Depth:    cfg.OrderBookDepth,
			Timeout:  cfg.VenueTimeout,
		}, logger)
		preloader.Start(ctx)
	}

	var stream *bybit.Stream
	if cfg.Stream.Enabled {
		if symbols := watchSymbols(cfg.Preload.Watch, "bybit"); len(symbols) > 0 {
			sink := func(book *types.OrderBook) {
				books.Put(cache.Key(book.Venue, book.Symbol, types.OpOrderBook), book, perf.TTL())
			}
			stream = bybit.NewStream(venueTestnet(cfg.Venues, "bybit"), symbols, cfg.OrderBookDepth, sink, logger)
			stream.Start(ctx)
			logger.WithField("symbols", symbols).Info("bybit depth stream enabled")
		} else {
			logger.Warn("stream enabled but no bybit symbols in preload watch list")
		}
	}

	var intake *coordinator.Intake
	if events != nil {
		intake = coordinator.NewIntake(coord, events, metrics, logger)
		if err := intake.Start(ctx); err != nil {
			logger.WithError(err).Fatal("intent intake failed")
		}
	}

	extras := func() map[string]interface{} {
		return map[string]interface{}{
			"rate_limits": limiter.Snapshot(),
			"cache": map[string]interface{}{
				"ttl_ms":  perf.TTL().Milliseconds(),
				"entries": books.Len(),
			},
		}
	}
	handler := monitor.NewHandler(registry, metrics, tracker, extras, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Routes(),
	}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped")
		}
	}()

	go statusLoop(ctx, cfg.StatusInterval, registry, books, tracker, perf, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown")
	}

	if intake != nil {
		intake.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	if preloader != nil {
		preloader.Stop()
	}
	health.Stop()
	perf.Stop()
	books.StopSweeper()
	if events != nil {
		events.Close()
	}
	registry.CloseAll()

	logger.Info("venued stopped")
}

func setupLogger(cfg *config.Config) *logrus.Entry {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(logger)
}

func buildSecretsSource(cfg *config.Config, log *logrus.Entry) (secrets.Source, error) {
	switch cfg.Secrets.Backend {
	case "", "static":
		src := make(secrets.StaticSource, len(cfg.Secrets.Static))
		for name, creds := range cfg.Secrets.Static {
			src[name] = secrets.Credentials{
				APIKey:     creds.APIKey,
				APISecret:  creds.APISecret,
				Passphrase: creds.Passphrase,
			}
		}
		return src, nil
	case "file":
		return secrets.OpenFileStore(cfg.Secrets.File.Path, cfg.Secrets.File.Passphrase)
	case "vault":
		return secrets.NewVaultSource(cfg.Secrets.Vault.Address, cfg.Secrets.Vault.Token, log)
	}
	return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
}

// watchSymbols picks the symbols watched on one venue out of the
// preload watch list.
func watchSymbols(watch []string, venueName string) []string {
	var symbols []string
	for _, entry := range watch {
		item, err := coordinator.ParseWatchItem(entry)
		if err != nil {
			continue
		}
		if item.Venue == venueName {
			symbols = append(symbols, item.Symbol)
		}
	}
	return symbols
}

func venueTestnet(venues []config.VenueConfig, name string) bool {
	for _, vc := range venues {
		if vc.Name == name {
			return vc.Testnet
		}
	}
	return false
}

func statusLoop(ctx context.Context, interval time.Duration, registry *venue.Registry, books *cache.Cache, tracker *monitor.Tracker, perf *coordinator.PerformanceController, log *logrus.Entry) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := tracker.Aggregate()
			log.WithFields(logrus.Fields{
				"live":         len(registry.ListEnabled()),
				"cache_ttl":    perf.TTL(),
				"cached":       books.Len(),
				"window":       stats.Total,
				"hit_rate":     fmt.Sprintf("%.2f", stats.HitRate),
				"success_rate": fmt.Sprintf("%.2f", stats.SuccessRate),
				"p95":          stats.P95,
			}).Info("status")
		}
	}
}
