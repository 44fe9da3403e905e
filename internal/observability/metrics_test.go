package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("expected scrape handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/executions", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/executions/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/executions/xyz789", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/completions", 500, 0.001)
}

func TestRecordExecutionMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordExecutionStarted(ctx, "callback")
	metrics.RecordExecutionStarted(ctx, "fire-and-forget")
	metrics.RecordExecutionFinished(ctx, "callback", "resumed_success", 42.5)
	metrics.RecordExecutionFinished(ctx, "callback", "timed_out", 259200)
	metrics.RecordExecutionsActive(ctx, "awaiting_completion", 7)
}

func TestRecordDispatchAndCompletionMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordDispatchStarted(ctx, 1)
	metrics.RecordDispatchStarted(ctx, 3)
	metrics.RecordDispatchRetry(ctx, "ThrottlingException")
	metrics.RecordDispatchRetry(ctx, "")
	metrics.RecordDispatchFailed(ctx)
	metrics.RecordDispatchOrphaned(ctx)

	metrics.RecordCompletionResumed(ctx, "success", 17.2, 4)
	metrics.RecordCompletionResumed(ctx, "failure", 3.1, 0)
	metrics.RecordCompletionDiscarded(ctx, "unmatched")
	metrics.RecordCompletionDiscarded(ctx, "late")
	metrics.RecordLookupRetry(ctx)
}

func TestRecordNotifyMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordNotifyDelivered(ctx, "com.docpipe.execution.succeeded")
	metrics.RecordNotifyFailed(ctx, "com.docpipe.execution.failed")
	metrics.RecordNotifyDropped(ctx)
	metrics.RecordNotifyQueueSize(ctx, 12)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/v1/executions", "/v1/executions"},
		{"/v1/executions/abc123", "/v1/executions/{executionId}"},
		{"/v1/executions/8f14e45f-ceea-4f", "/v1/executions/{executionId}"},
		{"/v1/completions", "/v1/completions"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
