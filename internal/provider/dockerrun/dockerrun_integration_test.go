//go:build integration

package dockerrun

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/internal/testutil"
)

// Requires a Docker daemon and network access to pull alpine. The alpine
// default command exits immediately with code 0, which is enough to drive
// the full start-watch-notify loop.
const analyzerImage = "alpine:latest"

func TestProvider_RunToNotification(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var received []analysis.Notification
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n analysis.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("bad notification body: %v", err)
		}
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	p, err := New(ctx, Options{Image: analyzerImage, RetentionPeriod: time.Hour})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	jobID, err := p.StartAnalysis(ctx, analysis.StartRequest{
		Manifest:  analysis.Manifest{DocumentLocation: "s3://inbox/sample.pdf", OutputLocation: "s3://outbox/sample/"},
		NotifyURL: webhook.URL,
		Tag:       "integration-exec",
	})
	if err != nil {
		t.Fatalf("failed to start analysis: %v", err)
	}

	delivered := testutil.Eventually(60*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	})
	if !delivered {
		t.Fatal("timed out waiting for completion notification")
	}

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.JobID != jobID {
		t.Errorf("notification jobID = %s, want %s", got.JobID, jobID)
	}
	if got.Status != analysis.StatusSucceeded {
		t.Errorf("notification status = %s, want succeeded", got.Status)
	}
	if got.Tag != "integration-exec" {
		t.Errorf("notification tag = %s", got.Tag)
	}
	if got.ResultLocation != "s3://outbox/sample/" {
		t.Errorf("notification resultLocation = %s", got.ResultLocation)
	}

	desc, err := p.DescribeAnalysis(ctx, jobID)
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if desc.Status != analysis.StatusSucceeded {
		t.Errorf("describe status = %s, want succeeded", desc.Status)
	}

	if err := p.StopAnalysis(ctx, jobID); err != nil {
		t.Errorf("stop failed: %v", err)
	}
	if _, err := p.DescribeAnalysis(ctx, jobID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found after stop, got %v", err)
	}
}

func TestProvider_ClientTokenDeduplicates(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, Options{Image: analyzerImage})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	req := analysis.StartRequest{
		Manifest:    analysis.Manifest{DocumentLocation: "s3://inbox/sample.pdf"},
		ClientToken: "dedupe-token",
	}

	first, err := p.StartAnalysis(ctx, req)
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	second, err := p.StartAnalysis(ctx, req)
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if first != second {
		t.Errorf("expected same job for repeated token, got %s and %s", first, second)
	}

	if err := p.StopAnalysis(ctx, first); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}
