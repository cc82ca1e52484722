// Command apid serves the forecast query API backed by the data-point
// store that ingestd populates.
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
	"gridpoint/internal/adapter/mapbox"
	"gridpoint/internal/adapter/postgres"
	"gridpoint/internal/config"
	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
	"gridpoint/internal/observability"
	"gridpoint/internal/store"
)

// storeReadiness reports ready as soon as the store is reachable. The API
// has no warm-up phase; a reachable store is a servable store.
type storeReadiness struct{}

func (storeReadiness) CheckReadiness(_ context.Context) error { return nil }

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
	}

	srv := httpadapter.NewServer(cfg.APIAddr, registry, resolver, st, led, geocoder, storeReadiness{}, metrics, logger, nil)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
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
