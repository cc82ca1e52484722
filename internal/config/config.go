// Package config loads service settings from the environment and the
// catalog file describing sources, fields, metrics, and locations.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL string
	CatalogPath string

	APIAddr         string
	IngestAddr      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Ingest pipeline tuning.
	PollInterval    time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DownloadWorkers int
	DecodeWorkers   int
	UpstreamTimeout time.Duration
	Retention       time.Duration // 0 disables retention pruning

	// Kafka ingest-report publishing.
	KafkaBrokers     []string
	KafkaReportTopic string
	KafkaEnabled     bool

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from the environment, applying defaults where
// unset. A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	pollInterval, err := parseDuration("POLL_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	backoffBase, err := parseDuration("RETRY_BACKOFF_BASE", 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	backoffMax, err := parseDuration("RETRY_BACKOFF_MAX", 5*time.Second)
	if err != nil {
		return nil, err
	}
	upstreamTimeout, err := parseDuration("UPSTREAM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := parseRetention("RETENTION_PERIOD", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	maxAttempts, err := parseInt("RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	downloadWorkers, err := parseInt("DOWNLOAD_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	decodeWorkers, err := parseInt("DECODE_WORKERS", 2)
	if err != nil {
		return nil, err
	}
	mapboxCacheSize, err := parseInt("MAPBOX_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	kafkaBrokers := parseBrokers(envOrDefault("KAFKA_BROKERS", ""))
	kafkaEnabled := len(kafkaBrokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		CatalogPath: envOrDefault("CATALOG_PATH", "catalog.json"),

		APIAddr:         envOrDefault("API_ADDR", ":8080"),
		IngestAddr:      envOrDefault("INGEST_ADDR", ":8081"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		PollInterval:    pollInterval,
		MaxAttempts:     maxAttempts,
		BackoffBase:     backoffBase,
		BackoffMax:      backoffMax,
		DownloadWorkers: downloadWorkers,
		DecodeWorkers:   decodeWorkers,
		UpstreamTimeout: upstreamTimeout,
		Retention:       retention,

		KafkaBrokers:     kafkaBrokers,
		KafkaReportTopic: envOrDefault("KAFKA_REPORT_TOPIC", "ingest-reports"),
		KafkaEnabled:     kafkaEnabled,

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: mapboxCacheSize,
	}

	if cfg.CatalogPath == "" {
		return nil, errors.New("CATALOG_PATH is required")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.KafkaEnabled && cfg.KafkaReportTopic == "" {
		return nil, errors.New("KAFKA_REPORT_TOPIC is required")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

// parseRetention is like parseDuration but accepts an explicit zero,
// which turns retention pruning off.
func parseRetention(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if b := strings.TrimSpace(p); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
