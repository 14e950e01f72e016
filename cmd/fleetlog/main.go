// Package main is the FleetLog API service: the ingestion surface for the
// tamper-evident ELD event log.
//
// The composition root wires storage, the ingestion pipeline, the
// idempotency gate, the DLQ, and the HTTP server together from environment
// configuration. Every knob has an explicit default; no flag mutates
// behavior silently.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/fleetlog-io/fleetlog/internal/api"
	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
	"github.com/fleetlog-io/fleetlog/internal/config"
	"github.com/fleetlog-io/fleetlog/internal/dlq"
	"github.com/fleetlog-io/fleetlog/internal/idempotency"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
	"github.com/fleetlog-io/fleetlog/internal/retry"
	"github.com/fleetlog-io/fleetlog/internal/storage"
	"github.com/fleetlog-io/fleetlog/internal/terminal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetlog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	serverCfg := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverCfg.LogLevel,
	}))

	// Primary store
	storageCfg := storage.LoadConfig()
	if err := storageCfg.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}

	conn, err := storage.NewConnection(storageCfg)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}

	logger.Info("Connected to primary store",
		slog.String("database_url", storageCfg.MaskDatabaseURL()),
	)

	eventStore, err := storage.NewEventStore(conn)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}

	vaultStore, err := storage.NewVaultStore(conn)
	if err != nil {
		return fmt.Errorf("vault store: %w", err)
	}

	dlqStore, err := storage.NewDLQStore(conn)
	if err != nil {
		return fmt.Errorf("DLQ store: %w", err)
	}

	refStore, err := storage.NewRefStore(conn)
	if err != nil {
		return fmt.Errorf("reference store: %w", err)
	}

	tokenStore, err := loadTokenStore(conn, logger)
	if err != nil {
		return err
	}

	// Ingestion pipeline
	retrier := retry.NewRetrier(retry.Config{
		MaxAttempts: config.GetEnvInt("FLEETLOG_RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts),
		BaseDelay:   config.GetEnvDuration("FLEETLOG_RETRY_BASE_DELAY", retry.DefaultBaseDelay),
		MaxDelay:    config.GetEnvDuration("FLEETLOG_RETRY_MAX_DELAY", retry.DefaultMaxDelay),
	}, logger)

	dlqService := dlq.NewService(
		dlqStore,
		config.GetEnvInt("FLEETLOG_DLQ_ALERT_THRESHOLD", dlq.DefaultAlertThreshold),
		logger,
	)

	crossref := ingestion.NewCrossRefChecker(
		refStore,
		config.GetEnvBool("FLEETLOG_XREF_STRICT", false),
		logger,
	)

	pipeline := ingestion.NewPipeline(
		vaultStore,
		eventStore,
		ingestion.NewValidator(),
		crossref,
		dlqService,
		retrier,
		logger,
	)

	// Home-terminal timezone table
	tzConfig, err := terminal.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("home-terminal config: %w", err)
	}

	resolver := terminal.NewResolver(tzConfig)
	logger.Info("Home-terminal table loaded", slog.Int("carriers", resolver.TerminalCount()))

	// The DLQ retries through the same pipeline that dead-lettered the
	// entry, so the ingester is attached after the pipeline exists.
	dlqService.SetIngester(api.NewDLQIngester(pipeline, resolver))

	gate := idempotency.NewGate(loadCacheClient(logger), idempotency.Config{
		CompletedTTL: config.GetEnvDuration("FLEETLOG_IDEMPOTENCY_COMPLETED_TTL", idempotency.DefaultCompletedTTL),
		InFlightTTL:  config.GetEnvDuration("FLEETLOG_IDEMPOTENCY_INFLIGHT_TTL", idempotency.DefaultInFlightTTL),
	}, logger)

	server := api.NewServer(serverCfg, api.Dependencies{
		Pipeline:    pipeline,
		Events:      eventStore,
		Gate:        gate,
		DLQ:         dlqService,
		Resolver:    resolver,
		TokenStore:  tokenStore,
		RateLimiter: middleware.NewInMemoryRateLimiter(middleware.LoadRateLimitConfig()),
	})

	return server.Start()
}

// loadTokenStore builds the persistent token store unless authentication is
// explicitly disabled, which should only ever happen in local development.
func loadTokenStore(conn *storage.Connection, logger *slog.Logger) (storage.TokenStore, error) {
	if !config.GetEnvBool("FLEETLOG_AUTH_ENABLED", true) {
		logger.Warn("FLEETLOG_AUTH_ENABLED=false, running without authentication")

		return nil, nil
	}

	store, err := storage.NewPersistentTokenStore(conn)
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}

	return store, nil
}

// loadCacheClient builds the idempotency cache client. A disabled or
// unreachable cache degrades to the in-process fallback store inside the
// gate; it never fails startup.
func loadCacheClient(logger *slog.Logger) redis.UniversalClient {
	if !config.GetEnvBool("FLEETLOG_CACHE_ENABLED", true) {
		logger.Warn("FLEETLOG_CACHE_ENABLED=false, idempotency runs on the in-process fallback")

		return nil
	}

	url := config.GetEnvStr("FLEETLOG_CACHE_URL", "redis://localhost:6379/0")

	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("Invalid FLEETLOG_CACHE_URL, idempotency runs on the in-process fallback",
			slog.String("error", err.Error()),
		)

		return nil
	}

	return redis.NewClient(opts)
}
