package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/app"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/health"
	"github.com/Kocoro-lab/Shannon/go/research/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := config.PathFromEnv()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to assemble research engine", zap.Error(err))
	}

	// Prometheus metrics on their own port
	metricsSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Metrics.Port),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("address", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	health.NewHTTPHandler(engine.Health, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(engine.Streams, engine.Backlog, logger).RegisterRoutes(mux)

	var store httpapi.ReportStore
	if engine.DB != nil {
		store = engine.DB
	}
	research := httpapi.NewResearchHandler(engine.Orchestrator, store, cfg.HTTP.AuthToken, logger)
	research.RegisterRoutes(mux)

	var limiter *httpapi.RateLimiter
	if cfg.HTTP.SubmissionsPerMinute > 0 {
		if engine.Redis == nil {
			logger.Warn("Submission rate limit needs a Redis address, not enforced")
		} else {
			limiter = httpapi.NewRateLimiter(engine.Redis, cfg.HTTP.SubmissionsPerMinute, logger)
		}
	}

	// WriteTimeout stays zero: SSE and WebSocket responses are long-lived
	apiSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           httpapi.Chain(mux, httpapi.Tracing(logger), limiter.Middleware),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("Research API listening", zap.String("address", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Research API failed", zap.Error(err))
			stop()
		}
	}()

	// Hot reload of limits and run policy
	var watcher *config.Watcher
	if cfgPath != "" {
		watcher, err = config.NewWatcher(cfgPath, cfg, logger)
		if err == nil {
			watcher.OnChange(func(_, current *config.Config) { engine.Reconfigure(current) })
			err = watcher.Start()
		}
		if err != nil {
			logger.Warn("Configuration hot reload disabled", zap.Error(err))
			watcher = nil
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down research service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Research API shutdown", zap.Error(err))
	}
	// in-flight runs stop and record their partial reports before storage closes
	research.Close()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := engine.Close(); err != nil {
		logger.Warn("Engine shutdown", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown", zap.Error(err))
		}
	}
}
