package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"docpipe/internal/dispatch"
	"docpipe/internal/listener"
	"docpipe/internal/notify"
	"docpipe/internal/workflow"
)

// Metrics holds all application metrics covering the golden signals:
// latency (request and job durations), traffic (starts, completions,
// deliveries), errors (failures, discards, drops), and saturation
// (executions per state, notify queue depth).
type Metrics struct {
	meter metric.Meter

	// HTTP surface
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Workflow executions
	ExecutionsStarted metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	ExecutionsByState metric.Int64Gauge

	// Job dispatch
	DispatchStarted  metric.Int64Counter
	DispatchAttempts metric.Int64Histogram
	DispatchRetries  metric.Int64Counter
	DispatchFailed   metric.Int64Counter
	DispatchOrphaned metric.Int64Counter

	// Completion intake
	CompletionsResumed      metric.Int64Counter
	CompletionJobDuration   metric.Float64Histogram
	CompletionPages         metric.Int64Counter
	CompletionsDiscarded    metric.Int64Counter
	CompletionLookupRetries metric.Int64Counter

	// Outcome notifications
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
// The returned handler serves the scrape endpoint.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("docpipe")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Execution metrics. Durations span dispatch through resume, so the
	// buckets reach into suspension territory.
	m.ExecutionsStarted, err = meter.Int64Counter(
		"executions_started",
		metric.WithDescription("Total number of executions accepted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram(
		"execution_duration_seconds",
		metric.WithDescription("Time from start to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 60, 300, 1800, 3600, 21600, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutionsByState, err = meter.Int64Gauge(
		"executions_by_state",
		metric.WithDescription("Current number of executions per state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatch metrics
	m.DispatchStarted, err = meter.Int64Counter(
		"dispatch_started",
		metric.WithDescription("Total jobs acknowledged by the provider"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchAttempts, err = meter.Int64Histogram(
		"dispatch_attempts",
		metric.WithDescription("Start attempts needed per acknowledged job"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchRetries, err = meter.Int64Counter(
		"dispatch_retries",
		metric.WithDescription("Total start attempts retried, by provider error code"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchFailed, err = meter.Int64Counter(
		"dispatch_failed",
		metric.WithDescription("Total jobs that never got a provider acknowledgement"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchOrphaned, err = meter.Int64Counter(
		"dispatch_orphaned",
		metric.WithDescription("Total jobs started whose correlation record write failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Completion metrics
	m.CompletionsResumed, err = meter.Int64Counter(
		"completions_resumed",
		metric.WithDescription("Total completion notifications that resumed an execution"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CompletionJobDuration, err = meter.Float64Histogram(
		"completion_job_duration_seconds",
		metric.WithDescription("Provider-side job duration from dispatch to completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CompletionPages, err = meter.Int64Counter(
		"completion_pages",
		metric.WithDescription("Total document pages reported by completed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CompletionsDiscarded, err = meter.Int64Counter(
		"completions_discarded",
		metric.WithDescription("Total notifications discarded, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CompletionLookupRetries, err = meter.Int64Counter(
		"completion_lookup_retries",
		metric.WithDescription("Total correlation lookups retried before a record appeared"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notify metrics
	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered",
		metric.WithDescription("Total outcome events delivered to callbacks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed",
		metric.WithDescription("Total outcome events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped",
		metric.WithDescription("Total outcome events dropped (queue full or circuit open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events waiting for delivery (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records request metrics for the API middleware.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordExecutionStarted records an accepted execution.
func (m *Metrics) RecordExecutionStarted(ctx context.Context, mode string) {
	m.ExecutionsStarted.Add(ctx, 1, metric.WithAttributes(modeAttr(mode)))
}

// RecordExecutionFinished records an execution reaching a terminal state.
func (m *Metrics) RecordExecutionFinished(ctx context.Context, mode, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(modeAttr(mode), stateAttr(state))
	m.ExecutionDuration.Record(ctx, durationSeconds, attrs)
}

// RecordExecutionsActive records the current population of one state.
func (m *Metrics) RecordExecutionsActive(ctx context.Context, state string, count int64) {
	m.ExecutionsByState.Record(ctx, count, metric.WithAttributes(stateAttr(state)))
}

// RecordDispatchStarted records a provider acknowledgement and how many
// attempts it took.
func (m *Metrics) RecordDispatchStarted(ctx context.Context, attempts int64) {
	m.DispatchStarted.Add(ctx, 1)
	m.DispatchAttempts.Record(ctx, attempts)
}

// RecordDispatchRetry records one retried start attempt.
func (m *Metrics) RecordDispatchRetry(ctx context.Context, code string) {
	m.DispatchRetries.Add(ctx, 1, metric.WithAttributes(codeAttr(code)))
}

// RecordDispatchFailed records a start that exhausted its attempts.
func (m *Metrics) RecordDispatchFailed(ctx context.Context) {
	m.DispatchFailed.Add(ctx, 1)
}

// RecordDispatchOrphaned records a started job with no correlation record.
func (m *Metrics) RecordDispatchOrphaned(ctx context.Context) {
	m.DispatchOrphaned.Add(ctx, 1)
}

// RecordCompletionResumed records a matched notification.
func (m *Metrics) RecordCompletionResumed(ctx context.Context, outcome string, jobSeconds float64, pages int64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.CompletionsResumed.Add(ctx, 1, attrs)
	m.CompletionJobDuration.Record(ctx, jobSeconds, attrs)
	if pages > 0 {
		m.CompletionPages.Add(ctx, pages)
	}
}

// RecordCompletionDiscarded records an unmatched, duplicate, or late
// notification.
func (m *Metrics) RecordCompletionDiscarded(ctx context.Context, reason string) {
	m.CompletionsDiscarded.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordLookupRetry records one correlation lookup retry.
func (m *Metrics) RecordLookupRetry(ctx context.Context) {
	m.CompletionLookupRetries.Add(ctx, 1)
}

// RecordNotifyDelivered records a delivered outcome event.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, eventType string) {
	m.NotifyDelivered.Add(ctx, 1, metric.WithAttributes(eventAttr(eventType)))
}

// RecordNotifyFailed records an outcome event that exhausted its retries.
func (m *Metrics) RecordNotifyFailed(ctx context.Context, eventType string) {
	m.NotifyFailed.Add(ctx, 1, metric.WithAttributes(eventAttr(eventType)))
}

// RecordNotifyDropped records an outcome event rejected before delivery.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the delivery queue depth.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}

// One recorder serves every package that accepts a metrics hook.
var (
	_ workflow.MetricsRecorder = (*Metrics)(nil)
	_ dispatch.MetricsRecorder = (*Metrics)(nil)
	_ listener.MetricsRecorder = (*Metrics)(nil)
	_ notify.MetricsRecorder   = (*Metrics)(nil)
)
