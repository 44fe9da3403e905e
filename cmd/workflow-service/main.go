// workflow-service is the HTTP server that dispatches document-analysis
// jobs, suspends the owning execution, and resumes it when the provider's
// completion notification arrives.
package main

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

	"docpipe/internal/analysis"
	"docpipe/internal/api"
	"docpipe/internal/apperrors"
	"docpipe/internal/config"
	"docpipe/internal/correlation"
	"docpipe/internal/dispatch"
	"docpipe/internal/health"
	"docpipe/internal/listener"
	"docpipe/internal/notify"
	"docpipe/internal/observability"
	"docpipe/internal/provider/dockerrun"
	"docpipe/internal/provider/httpapi"
	"docpipe/internal/workflow"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create correlation store
	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}()
	slog.Info("Correlation store ready", "driver", cfg.Store.Driver)

	// Create analysis provider
	provider, closeProvider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeProvider()
	slog.Info("Analysis provider ready", "driver", cfg.Provider.Driver)

	// Create outbound callback notifier
	notifier := notify.New(ctx, notify.Options{
		Workers:     cfg.Notifier.Workers,
		QueueSize:   cfg.Notifier.QueueSize,
		SendTimeout: cfg.Notifier.SendTimeout,
		MaxAttempts: cfg.Notifier.MaxAttempts,
		Secret:      cfg.Notifier.Secret,
	}, metrics)

	retryPolicy := dispatch.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.Execution.RetryMaxAttempts
	retryPolicy.InitialInterval = cfg.Execution.RetryInitialInterval
	retryPolicy.BackoffRate = cfg.Execution.RetryBackoffRate

	// Create workflow engine (starts the timeout sweep)
	engine := workflow.NewEngine(ctx, workflow.Deps{
		Dispatcher: dispatch.New(provider, store, metrics),
		Describer:  provider,
		Stopper:    provider,
		Notifier:   notifier,
		Metrics:    metrics,
	}, workflow.Options{
		DefaultMode:       workflow.Mode(cfg.Execution.DefaultMode),
		SuspensionTimeout: cfg.Execution.SuspensionTimeout,
		RetentionPeriod:   cfg.Execution.RetentionPeriod,
		PollInterval:      cfg.Execution.PollInterval,
		RecordTTL:         cfg.Store.RecordTTL,
		NotifyURL:         cfg.Provider.CallbackURL,
		Policy:            retryPolicy,
		AugmentPayload:    cfg.Execution.AugmentPayload,
		InputKind:         cfg.Execution.InputKind,
	})

	// Create completion listener
	completions := listener.New(store, engine, metrics, listener.Options{
		LookupAttempts:    cfg.Listener.LookupAttempts,
		LookupInterval:    cfg.Listener.LookupInterval,
		LookupBackoffRate: cfg.Listener.LookupBackoffRate,
	})

	// Create health checker
	healthChecker := health.NewChecker(store, provider)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        engine,
		Listener:      completions,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        cfg.Server.APIKey,
	})

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API key configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if cfg.Server.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the engine, then drain the callback notifier. Suspended
	// executions survive in the correlation store; completions that arrive
	// while the service is down are redelivered by the provider and matched
	// after restart.
	slog.Info("Stopping workflow engine")
	engine.Close()

	slog.Info("Draining callback notifier")
	notifier.Close()

	slog.Info("Shutdown complete")
	return nil
}

// newStore builds the correlation store named by the configuration.
func newStore(cfg *config.ServiceConfig) (correlation.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return correlation.NewMemoryStore(cfg.Store.SweepInterval), nil
	case "sqlite":
		return correlation.NewSQLiteStore(cfg.Store.Path, cfg.Store.SweepInterval)
	default:
		return nil, apperrors.Validation("store.driver", fmt.Sprintf("unknown store driver %q", cfg.Store.Driver))
	}
}

// newProvider builds the analysis backend named by the configuration and
// returns a cleanup func for backends that hold resources.
func newProvider(ctx context.Context, cfg *config.ServiceConfig) (analysis.Client, func(), error) {
	switch cfg.Provider.Driver {
	case "http":
		client, err := httpapi.New(httpapi.Options{
			BaseURL:        cfg.Provider.BaseURL,
			APIKey:         cfg.Provider.APIKey,
			RequestsPerSec: cfg.Provider.RequestsPerSec,
			Burst:          cfg.Provider.Burst,
			Timeout:        cfg.Provider.RequestTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil

	case "docker":
		// Completions from analyzer containers arrive through the same
		// authenticated webhook external providers use.
		p, err := dockerrun.New(ctx, dockerrun.Options{
			Image:           cfg.Provider.AnalyzerImage,
			ExtraHosts:      cfg.Provider.ExtraHosts,
			CPUs:            cfg.Provider.AnalyzerCPUs,
			MemoryMB:        int64(cfg.Provider.AnalyzerMemoryMB),
			NotifyAuthToken: cfg.Server.APIKey,
			RetentionPeriod: cfg.Execution.RetentionPeriod,
		})
		if err != nil {
			return nil, nil, err
		}
		closeProvider := func() {
			if err := p.Close(); err != nil {
				slog.Warn("Provider close error", "error", err)
			}
		}
		return p, closeProvider, nil

	default:
		return nil, nil, apperrors.Validation("provider.driver", fmt.Sprintf("unknown provider driver %q", cfg.Provider.Driver))
	}
}
