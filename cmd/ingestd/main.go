// Command ingestd runs the forecast ingest pipeline: it polls each source's
// index, downloads new grid files, decodes and normalizes them, and stores
// the resulting data points. Operational endpoints are served on INGEST_ADDR.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "gridpoint/internal/adapter/http"
	kafkaadapter "gridpoint/internal/adapter/kafka"
	"gridpoint/internal/adapter/mapbox"
	"gridpoint/internal/adapter/postgres"
	"gridpoint/internal/adapter/upstream"
	"gridpoint/internal/config"
	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
	"gridpoint/internal/observability"
	"gridpoint/internal/pipeline"
	"gridpoint/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Error("failed to load catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	// Geocoder is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN. The
	// ingest path itself never geocodes; it only feeds the by_zip endpoint
	// on the operational server.
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	registry := domain.NewRegistry()
	resolver := grid.NewResolver()
	if err := catalog.Bootstrap(registry, resolver); err != nil {
		logger.Error("catalog bootstrap failed", "error", err)
		os.Exit(1)
	}
	logger.Info("catalog loaded",
		"sources", len(registry.Sources()),
		"metrics", len(registry.Metrics()),
		"locations", len(registry.Locations()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st  store.Store
		led store.Ledger
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Error("postgres migrate failed", "error", err)
			os.Exit(1)
		}
		st = postgres.NewStore(db)
		led = postgres.NewLedger(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
		led = store.NewMemoryLedger()
	}

	var reporter pipeline.Reporter
	if cfg.KafkaEnabled {
		kr := kafkaadapter.NewReporter(cfg.KafkaBrokers, cfg.KafkaReportTopic, logger)
		defer func() {
			if err := kr.Close(); err != nil {
				logger.Error("kafka reporter close error", "error", err)
			}
		}()
		reporter = kr
		logger.Info("kafka ingest reports enabled", "topic", cfg.KafkaReportTopic)
	}

	fetcher := upstream.NewClient(cfg.UpstreamTimeout, logger)

	orch := pipeline.New(registry, resolver, st, led, fetcher, fetcher, reporter, logger, metrics, nil, pipeline.Options{
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		PollInterval:    cfg.PollInterval,
		DownloadWorkers: cfg.DownloadWorkers,
		DecodeWorkers:   cfg.DecodeWorkers,
		Retention:       cfg.Retention,
	})

	srv := httpadapter.NewServer(cfg.IngestAddr, registry, resolver, st, led, geocoder, orch, metrics, logger, nil)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Error("ingest error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
