// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the assist service: HTTP surface,
// query pipeline, session store, response cache, retrieval adapters,
// web search, config plane, and observability.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Run blocks until SIGINT/SIGTERM and drains in-flight requests before
// returning.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/respcache"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/services"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/sessions"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/websearch"
)

const serviceName = "assist-orchestrator"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and must
// be called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or a
	// fatal server error.
	Run() error

	// Router exposes the configured gin engine for integration tests.
	// Callers must not modify it.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the orchestrator's deployment configuration. Zero values
// take defaults; the zero Config runs a fully in-memory single-node
// service with no control plane and no external retrieval.
type Config struct {
	// Port is the HTTP listen port. Default 12210.
	Port int

	// GinMode sets the gin framework mode: debug, release, or test.
	// Default: GIN_MODE env var, or debug.
	GinMode string

	// MaxConcurrent caps in-flight chat completions. Default 8.
	MaxConcurrent int

	// LLM configures the OpenAI-compatible backend.
	LLM llm.OpenAICompatConfig

	// ConfigPlane connects the feature-flag and routing control plane.
	// Zero value runs on hardcoded defaults.
	ConfigPlane configclient.Config

	// FlagOverridesPath is a local YAML file of operator flag overrides,
	// hot-reloaded on change. Empty disables the watcher.
	FlagOverridesPath string

	// SessionBackend is "memory" (default) or "redis".
	SessionBackend string
	Redis          sessions.RedisConfig
	SessionLimits  sessions.MemoryConfig

	// CacheBackend is "memory" (default), "badger", or "off".
	CacheBackend string
	BadgerDir    string

	// Adapters are the structured retrieval services (weather, sports,
	// airports, control).
	Adapters []adapters.Config

	// SearchProviders are the web search proxies fanned out to for
	// general-information queries.
	SearchProviders []websearch.ProviderConfig
	SearchEngine    websearch.EngineConfig

	// Pipeline tunes the per-stage budgets.
	Pipeline services.Config

	// Influx configures the telemetry sink. Empty URL disables it.
	Influx observability.InfluxSinkConfig

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing
	// export (spans become no-ops).
	OTelEndpoint string

	// ShutdownGrace bounds the drain of in-flight requests. Default 15s.
	ShutdownGrace time.Duration
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = middleware.DefaultMaxConcurrent
	}
	if cfg.SessionBackend == "" {
		cfg.SessionBackend = "memory"
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "memory"
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        Config
	router        *gin.Engine
	query         *services.QueryService
	sessions      sessions.Store
	cache         respcache.Cache
	flags         *configclient.Client
	watcher       *configclient.OverrideWatcher
	sink          observability.Sink
	tracerCleanup func(context.Context)
}

// New assembles the orchestrator. Construction order matters: metrics
// first so every component can register observations, then the config
// client so flag state exists before anything consults it.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	m := observability.InitMetrics()

	if s.config.OTelEndpoint != "" {
		cleanup, err := initTracer(s.config.OTelEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.flags = configclient.New(s.config.ConfigPlane, m)
	if s.config.FlagOverridesPath != "" {
		watcher, err := configclient.NewOverrideWatcher(s.config.FlagOverridesPath, s.flags)
		if err != nil {
			slog.Warn("Flag override watcher unavailable, continuing without local overrides",
				"path", s.config.FlagOverridesPath, "error", err)
		} else {
			s.watcher = watcher
		}
	}

	if err := s.initSessions(m); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	if err := s.initCache(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}

	llmClient, err := llm.NewOpenAICompatClient(s.config.LLM, m)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	registry := adapters.NewRegistry(s.config.Adapters, m)
	var search *websearch.Engine
	if len(s.config.SearchProviders) > 0 {
		search = websearch.NewEngine(s.config.SearchEngine, s.config.SearchProviders, s.flags, m)
	}

	if s.config.Influx.URL != "" {
		s.sink = observability.NewInfluxSink(s.config.Influx, m)
	}

	classifier := intent.New(intent.Config{}, s.flags, llmClient)
	s.query = services.NewQueryService(
		s.config.Pipeline,
		llmClient,
		classifier,
		s.sessions,
		registry,
		search,
		s.cache,
		s.flags,
		m,
		s.sink,
	)

	s.initRouter(m, registry)
	return s, nil
}

func (s *service) initSessions(m *observability.Metrics) error {
	switch s.config.SessionBackend {
	case "redis":
		store, err := sessions.NewRedisStore(context.Background(), s.config.Redis)
		if err != nil {
			return err
		}
		s.sessions = store
		slog.Info("Using Redis session store", "addr", s.config.Redis.Addr)
	case "memory":
		s.sessions = sessions.NewMemoryStore(s.config.SessionLimits, m)
		slog.Info("Using in-memory session store")
	default:
		return fmt.Errorf("unknown session backend %q", s.config.SessionBackend)
	}
	return nil
}

func (s *service) initCache() error {
	switch s.config.CacheBackend {
	case "badger":
		cache, err := respcache.NewBadgerCache(s.config.BadgerDir)
		if err != nil {
			return err
		}
		s.cache = cache
		slog.Info("Using Badger response cache", "dir", s.config.BadgerDir)
	case "memory":
		s.cache = respcache.NewMemoryCache()
		slog.Info("Using in-memory response cache")
	case "off":
		slog.Info("Response cache disabled")
	default:
		return fmt.Errorf("unknown cache backend %q", s.config.CacheBackend)
	}
	return nil
}

func (s *service) initRouter(m *observability.Metrics, registry *adapters.Registry) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))

	health := handlers.HealthDeps{
		Config:   s.flags,
		Adapters: registry,
		LLMPing:  llmPing(s.config.LLM.BaseURL),
	}
	if s.cache != nil {
		cache := s.cache
		health.CachePing = func(ctx context.Context) error {
			_, err := cache.Get(ctx, "healthcheck")
			return err
		}
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Query:         s.query,
		Sessions:      s.sessions,
		Health:        health,
		Metrics:       m,
		MaxConcurrent: s.config.MaxConcurrent,
	})
}

// llmPing probes backend reachability with a cheap GET against the
// models listing. Never a generation call.
func llmPing(baseURL string) func(context.Context) error {
	if baseURL == "" {
		return nil
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("llm backend returned status %d", resp.StatusCode)
		}
		return nil
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then
// drains in-flight requests within the shutdown grace period.
func (s *service) Run() error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting assist orchestrator", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received, draining requests",
		"grace", s.config.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// cleanup releases held resources in reverse construction order.
func (s *service) cleanup() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.flags != nil {
		s.flags.Close()
	}
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			slog.Warn("Session store close error", "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			slog.Warn("Response cache close error", "error", err)
		}
	}
	if s.sink != nil {
		s.sink.Close()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Tracing
// =============================================================================

// initTracer wires the OTLP gRPC exporter. The connection is insecure;
// the collector lives on the internal network.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
