package api

import (
	"net/http"

	"docpipe/internal/health"
	"docpipe/internal/listener"
	"docpipe/internal/workflow"
)

// RouterConfig holds the dependencies for building the router.
type RouterConfig struct {
	Engine        *workflow.Engine
	Listener      *listener.Listener
	HealthChecker *health.Checker
	Metrics       HTTPMetricsRecorder
	APIKey        string
}

// NewRouter builds the HTTP router with all routes and middleware. Health
// probes stay unauthenticated; everything under /v1 requires the API key
// when one is configured.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.Engine, cfg.Listener, cfg.HealthChecker)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/executions", auth(http.HandlerFunc(h.StartExecution)))
	mux.Handle("GET /v1/executions/{executionId}", auth(http.HandlerFunc(h.GetExecution)))
	mux.Handle("POST /v1/completions", auth(http.HandlerFunc(h.HandleCompletion)))

	return Chain(mux,
		RecoveryMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(cfg.Metrics),
		CORSMiddleware,
		ContentTypeMiddleware,
	)
}
