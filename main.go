package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/metaboqa/orchestrator/internal/config"
	"github.com/metaboqa/orchestrator/internal/decision"
	"github.com/metaboqa/orchestrator/internal/graph"
	"github.com/metaboqa/orchestrator/internal/health"
	"github.com/metaboqa/orchestrator/internal/hmdb"
	"github.com/metaboqa/orchestrator/internal/httpapi"
	"github.com/metaboqa/orchestrator/internal/llm"
	"github.com/metaboqa/orchestrator/internal/memory"
	_ "github.com/metaboqa/orchestrator/internal/metrics" // register collectors
	"github.com/metaboqa/orchestrator/internal/pipeline"
	"github.com/metaboqa/orchestrator/internal/tracing"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Backends
	// ------------------------------------------------------------------
	store, err := graph.NewStore(ctx, graph.Config{
		URI:          cfg.Graph.URI,
		User:         cfg.Graph.User,
		Password:     cfg.Graph.Password,
		QueryTimeout: cfg.Graph.QueryTimeout,
		MaxRows:      cfg.Graph.MaxRows,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to graph database", zap.Error(err))
	}
	defer store.Close(ctx)

	schema, err := graph.GenerateSchema(ctx, store)
	if err != nil {
		logger.Fatal("Failed to generate graph schema", zap.Error(err))
	}
	logger.Info("Graph schema generated", zap.Int("bytes", len(schema)))

	mem, err := memory.NewStore(cfg.Redis.Addr, cfg.Redis.MemoryTTL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer mem.Close()

	gen := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
		NumCtx:      cfg.LLM.NumCtx,
	}, logger)

	catalog, err := hmdb.LoadCatalog(cfg.HMDB.CatalogPath)
	if err != nil {
		logger.Fatal("Failed to load HMDB endpoint catalog",
			zap.String("path", cfg.HMDB.CatalogPath), zap.Error(err))
	}
	hmdbClient := hmdb.NewClient(hmdb.ClientConfig{
		BaseURL:           cfg.HMDB.BaseURL,
		APIKey:            cfg.HMDB.APIKey,
		Timeout:           cfg.HMDB.Timeout,
		RequestsPerSecond: cfg.HMDB.RatePerSec,
		DailyLimit:        cfg.HMDB.DailyLimit,
	}, logger)
	resolver := hmdb.NewCoordinator(catalog, hmdbClient, hmdb.CoordinatorConfig{
		MaxAttempts:   cfg.HMDB.MaxAttempts,
		BackoffBase:   cfg.HMDB.BackoffBase,
		BackoffFactor: cfg.HMDB.BackoffGrow,
	}, logger)

	matcher := graph.NewMatcher(store, graph.DefaultMatcherConfig(), logger)
	decider := decision.NewDecider(cfg.Pipeline.DecisionThreshold, logger)

	pipe := pipeline.New(gen, store, matcher, resolver, mem, decider, schema, pipeline.Config{
		Models:               cfg.LLM.Models,
		DefaultModel:         cfg.LLM.DefaultModel,
		MaxQueryRetries:      cfg.Pipeline.MaxQueryRetries,
		MaxSufficiencyRounds: cfg.Pipeline.MaxSufficiencyRounds,
		HistoryWindow:        cfg.Pipeline.HistoryWindow,
		MemoryThreshold:      cfg.Pipeline.MemoryThreshold,
	}, logger)

	// ------------------------------------------------------------------
	// Health checks and metrics
	// ------------------------------------------------------------------
	healthMgr := health.NewManager(15*time.Second, logger)
	for _, c := range []health.Checker{
		health.NewPingChecker("neo4j", store, true),
		health.NewPingChecker("redis", mem, false),
		health.NewHTTPChecker("llm", cfg.LLM.BaseURL, true),
	} {
		if err := healthMgr.RegisterChecker(c); err != nil {
			logger.Fatal("Failed to register health checker", zap.Error(err))
		}
	}
	healthMgr.Start(ctx)
	defer healthMgr.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(metricsMux)
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// API server
	// ------------------------------------------------------------------
	mux := http.NewServeMux()
	httpapi.NewHandler(pipe, mem, logger).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
		// No WriteTimeout: SSE responses stay open for the whole run.
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
