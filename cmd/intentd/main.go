// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command intentd serves the intent cascade over HTTP.
//
// Usage:
//
//	INTENT_CATALOG_PATH=catalog.yaml go run ./cmd/intentd
//	INTENT_CATALOG_PATH=catalog.yaml OPENAI_API_KEY=... go run ./cmd/intentd -port 9090
//
// Tier3 is enabled only when OPENAI_API_KEY is set. Tier2 uses the local
// hashing embedder unless EMBEDDING_SERVICE_URL points at an Ollama server.
// Ledger entries, learned patterns and Tier2 vectors persist to BadgerDB in
// INTENT_LEDGER_DIR; if the DB cannot be opened the service runs in memory.
//
// Example requests:
//
//	curl http://localhost:8080/v1/intent/health
//
//	curl -X POST http://localhost:8080/v1/intent/route \
//	  -H "Content-Type: application/json" \
//	  -d '{"tenant_id": "acme", "call_id": "c-1", "utterance": "my thermostat is broken"}'
//
//	curl http://localhost:8080/v1/intent/ledger/acme | jq
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/intentcascade/services/intent"
	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
	badgerstore "github.com/AleutianAI/intentcascade/services/intent/storage/badger"
	"github.com/AleutianAI/intentcascade/services/llm"
)

// vectorCacheTTL is how long persisted Tier2 vectors stay valid.
const vectorCacheTTL = 7 * 24 * time.Hour

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode (gin logger, stdout traces)")
	catalogPath := flag.String("catalog", "", "Catalog file (overrides INTENT_CATALOG_PATH)")
	flag.Parse()

	cfg := config.LoadServiceConfig()
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}

	logger := newLogger(cfg.LogLevel, *debug)
	slog.SetDefault(logger)
	defer memguard.Purge()

	if err := run(cfg, *port, *debug, logger); err != nil {
		logger.Error("intentd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.ServiceConfig, port int, debug bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := setupTracing(ctx, debug)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	defaults := config.MustLoadEngineDefaults()
	if cfg.Tier3Model != "" {
		defaults.Tier3.Model = cfg.Tier3Model
	}

	store, err := config.NewStore(cfg.CatalogPath, logger)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// Persistence. Failure degrades to in-memory operation.
	db := openLedgerDB(cfg.LedgerDir, logger)
	var (
		ledgerStore ledger.Store
		ledgerRead  ledger.Reader
		vectorStore routing.VectorStore
	)
	if db != nil {
		bs := ledger.NewBadgerStore(db, logger)
		ledgerStore, ledgerRead = bs, bs
		vectorStore = routing.NewBadgerVectorStore(db, vectorCacheTTL, logger)
		go db.RunGC(ctx)
	}

	var mirrors []ledger.Mirror
	var influx *ledger.InfluxSink
	if cfg.InfluxURL != "" {
		influx = ledger.NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		mirrors = append(mirrors, influx)
		logger.Info("InfluxDB cost mirror enabled",
			slog.String("url", cfg.InfluxURL),
			slog.String("bucket", cfg.InfluxBucket),
		)
	}

	var sink ledger.Sink
	var writer *ledger.Writer
	if ledgerStore != nil || len(mirrors) > 0 {
		writer = ledger.NewWriter(ledgerStore, ledger.WriterOptions{Mirrors: mirrors, Logger: logger})
		sink = writer
		// Runs until Close so late Tier3 cost settled during Drain is still
		// persisted.
		go writer.Run(context.Background())
	}

	l := ledger.New(ledger.Options{Sink: sink, Logger: logger})
	pools := scenario.NewRegistry(defaults.PoolCacheSize, logger)
	learner := ledger.NewLearner(ledgerStore, pools, nil, logger)
	if ledgerRead != nil {
		restoreState(ctx, store, l, learner, ledgerRead, logger)
	}

	matcher := routing.NewSemanticMatcher(newEmbedder(cfg, defaults, logger), vectorStore, logger)
	logger.Info("Tier2 embedder configured", slog.String("model", matcher.Model()))

	var tier3 routing.FallbackTier
	if fallback, err := newTier3(cfg, defaults, l, logger); err != nil {
		logger.Warn("Tier3 disabled", slog.String("reason", err.Error()))
	} else {
		tier3 = fallback
	}

	router, err := routing.NewRouter(routing.Options{
		Store:    store,
		Defaults: defaults,
		Pools:    pools,
		Ledger:   l,
		Learner:  learner,
		Tier2:    matcher,
		Tier3:    tier3,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	svc := intent.NewService(router, matcher, logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("intentd"))
	engine.Use(intent.RequestIDMiddleware())
	if debug {
		engine.Use(gin.Logger())
	}
	intent.RegisterRoutes(engine.Group("/v1"), intent.NewHandlers(svc))
	intent.RegisterMetrics(engine)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Warn("catalog hot reload disabled", slog.String("error", err.Error()))
		}
	}()
	go func() {
		if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("service start failed", slog.String("error", err.Error()))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting intentd", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("Shutting down intentd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if err := router.Drain(shutdownCtx); err != nil {
		logger.Warn("router drain incomplete", slog.String("error", err.Error()))
	}
	if writer != nil {
		if err := writer.Close(shutdownCtx); err != nil {
			logger.Warn("ledger writer drain incomplete", slog.String("error", err.Error()))
		}
	}
	if influx != nil {
		influx.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close ledger BadgerDB", slog.String("error", err.Error()))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// newLogger installs a JSON handler at the configured level.
func newLogger(level string, debug bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// setupTracing installs the global tracer provider and W3C propagator.
//
// OTLP gRPC export is used when OTEL_EXPORTER_OTLP_ENDPOINT is set; -debug
// adds a stdout exporter. With neither, spans are created but not exported.
func setupTracing(ctx context.Context, debug bool) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var opts []sdktrace.TracerProviderOption
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		exp, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	if debug {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	}
	if len(opts) == 0 {
		return func(context.Context) error { return nil }, nil
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// openLedgerDB opens the BadgerDB, or returns nil and logs when it cannot.
func openLedgerDB(dir string, logger *slog.Logger) *badgerstore.DB {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Warn("No ledger directory, persistence disabled", slog.String("error", err.Error()))
			return nil
		}
		dir = filepath.Join(home, ".aleutian", "intent")
	}
	cfg := badgerstore.DefaultConfig()
	cfg.Path = dir
	cfg.Logger = logger
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		logger.Warn("Ledger BadgerDB unavailable, running in memory",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Info("Ledger BadgerDB opened", slog.String("path", dir))
	return db
}

// restoreState reloads ledger entries and learned patterns for every tenant
// in the catalog so a restart keeps today's spend and promoted triggers.
func restoreState(ctx context.Context, store *config.Store, l *ledger.Ledger, learner *ledger.Learner, r ledger.Reader, logger *slog.Logger) {
	snap := store.Snapshot()
	if snap == nil || snap.Catalog == nil {
		return
	}
	for _, t := range snap.Catalog.Tenants {
		entries, err := r.LoadLedgerEntries(ctx, t.ID)
		if err != nil {
			logger.Warn("ledger restore failed", slog.String("tenant_id", t.ID), slog.String("error", err.Error()))
		}
		restored := l.Restore(entries)

		patterns, err := learner.Reload(ctx, r, t.ID)
		if err != nil {
			logger.Warn("pattern restore failed", slog.String("tenant_id", t.ID), slog.String("error", err.Error()))
		}
		if restored > 0 || patterns > 0 {
			logger.Info("tenant state restored",
				slog.String("tenant_id", t.ID),
				slog.Int("ledger_entries", restored),
				slog.Int("learned_patterns", patterns),
			)
		}
	}
}

func newEmbedder(cfg *config.ServiceConfig, defaults config.EngineDefaults, logger *slog.Logger) routing.Embedder {
	if cfg.EmbeddingURL == "" {
		return routing.NewHashingEmbedder(defaults.Tier2.Dimensions)
	}
	url := strings.TrimRight(cfg.EmbeddingURL, "/")
	if !strings.HasSuffix(url, "/api/embed") {
		url += "/api/embed"
	}
	return routing.NewOllamaEmbedder(url, cfg.EmbeddingModel, 0, logger)
}

// newTier3 builds the LLM fallback, or explains why it is disabled.
func newTier3(cfg *config.ServiceConfig, defaults config.EngineDefaults, l *ledger.Ledger, logger *slog.Logger) (*routing.LLMFallback, error) {
	key, err := llm.SealKey(cfg.OpenAIAPIKey)
	if err != nil {
		return nil, err
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		Key:     key,
		Model:   defaults.Tier3.Model,
		BaseURL: cfg.OpenAIBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	limiter := llm.NewRateLimiter(cfg.Tier3RatePerMin, max(1, cfg.Tier3RatePerMin/6))
	logger.Info("Tier3 enabled",
		slog.String("provider", client.Provider()),
		slog.String("model", client.Model()),
		slog.Int("rate_per_min", cfg.Tier3RatePerMin),
	)
	return routing.NewLLMFallback(client, llm.NewPricing(nil), l, limiter, logger), nil
}
