package dockerrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"docpipe/internal/analysis"
)

// newTestProvider builds a provider around the delivery path only; no
// Docker daemon is involved.
func newTestProvider(opts Options) *Provider {
	return &Provider{
		httpc:  &http.Client{},
		opts:   opts.withDefaults(),
		repo:   newJobRepo(),
		logger: slog.With("component", "provider.dockerrun"),
	}
}

// muxFrame wraps a payload in Docker's multiplexed log framing.
func muxFrame(stream byte, payload string) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = stream
	frame[4] = byte(len(payload) >> 24)
	frame[5] = byte(len(payload) >> 16)
	frame[6] = byte(len(payload) >> 8)
	frame[7] = byte(len(payload))
	copy(frame[8:], payload)
	return frame
}

func TestParseResultSummary(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(muxFrame(1, "processing page 1\nprocessing page 2\n"))
	stream.Write(muxFrame(2, `{"resultLocation":"s3://wrong/stderr","pages":99}`+"\n"))
	stream.Write(muxFrame(1, `{"resultLocation":"s3://outbox/doc-1/","pages":4,"message":"ok"}`+"\n"))

	got := parseResultSummary(&stream)
	if got.ResultLocation != "s3://outbox/doc-1/" {
		t.Errorf("resultLocation = %q, want s3://outbox/doc-1/", got.ResultLocation)
	}
	if got.Pages != 4 {
		t.Errorf("pages = %d, want 4", got.Pages)
	}
	if got.Message != "ok" {
		t.Errorf("message = %q, want ok", got.Message)
	}
}

func TestParseResultSummaryLastLineWins(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(muxFrame(1, `{"pages":1}`+"\n"+`{"pages":2}`+"\n"))
	stream.Write(muxFrame(1, `{"pages":3}`+"\n"))

	if got := parseResultSummary(&stream); got.Pages != 3 {
		t.Errorf("pages = %d, want 3", got.Pages)
	}
}

func TestParseResultSummaryToleratesJunk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty stream", nil},
		{"plain text only", muxFrame(1, "no json here\n")},
		{"truncated header", []byte{1, 0, 0}},
		{"truncated payload", muxFrame(1, "0123456789")[:11]},
		{"empty json object", muxFrame(1, "{}\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseResultSummary(bytes.NewReader(tt.input)); !got.isZero() {
				t.Errorf("expected zero summary, got %+v", got)
			}
		})
	}
}

func TestBuildNotification(t *testing.T) {
	t.Parallel()
	completedAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		exitCode int
		exitErr  error
		summary  resultSummary
		output   string
		want     analysis.Notification
	}{
		{
			name:     "success with summary",
			exitCode: 0,
			summary:  resultSummary{ResultLocation: "s3://outbox/doc-1/", Pages: 4, Message: "ok"},
			output:   "s3://outbox/",
			want: analysis.Notification{
				Status:         analysis.StatusSucceeded,
				ResultLocation: "s3://outbox/doc-1/",
				Pages:          4,
				StatusMessage:  "ok",
			},
		},
		{
			name:     "success without summary falls back to output location",
			exitCode: 0,
			output:   "s3://outbox/",
			want: analysis.Notification{
				Status:         analysis.StatusSucceeded,
				ResultLocation: "s3://outbox/",
			},
		},
		{
			name:     "nonzero exit fails",
			exitCode: 2,
			want: analysis.Notification{
				Status:        analysis.StatusFailed,
				StatusMessage: "analyzer exited with code 2",
			},
		},
		{
			name:     "analyzer message survives failure",
			exitCode: 1,
			summary:  resultSummary{Message: "unsupported encryption"},
			want: analysis.Notification{
				Status:        analysis.StatusFailed,
				StatusMessage: "unsupported encryption",
			},
		},
		{
			name:    "wait error fails",
			exitErr: errors.New("container wait aborted"),
			want: analysis.Notification{
				Status:        analysis.StatusFailed,
				StatusMessage: "container wait aborted",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := buildNotification("job-1", "tag-1", tt.output, tt.exitCode, tt.exitErr, tt.summary, completedAt)
			if got.JobID != "job-1" || got.Tag != "tag-1" {
				t.Errorf("identity fields wrong: %+v", got)
			}
			if !got.CompletedAt.Equal(completedAt) {
				t.Errorf("completedAt = %v, want %v", got.CompletedAt, completedAt)
			}
			if got.Status != tt.want.Status {
				t.Errorf("status = %s, want %s", got.Status, tt.want.Status)
			}
			if got.StatusMessage != tt.want.StatusMessage {
				t.Errorf("statusMessage = %q, want %q", got.StatusMessage, tt.want.StatusMessage)
			}
			if got.ResultLocation != tt.want.ResultLocation {
				t.Errorf("resultLocation = %q, want %q", got.ResultLocation, tt.want.ResultLocation)
			}
			if got.Pages != tt.want.Pages {
				t.Errorf("pages = %d, want %d", got.Pages, tt.want.Pages)
			}
		})
	}
}

func TestDeliverNotificationPostsJSON(t *testing.T) {
	t.Parallel()

	var got analysis.Notification
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode notification: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProvider(Options{Image: "analyzer", NotifyAuthToken: "secret-token"})
	n := analysis.Notification{
		JobID:          "job-1",
		Status:         analysis.StatusSucceeded,
		ResultLocation: "s3://outbox/doc-1/",
		Pages:          2,
		Tag:            "exec-9",
		CompletedAt:    time.Now().UTC(),
	}

	if err := p.deliverNotification(context.Background(), srv.URL, n); err != nil {
		t.Fatalf("deliverNotification failed: %v", err)
	}
	if auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}
	if got.JobID != "job-1" || got.Tag != "exec-9" || got.Pages != 2 {
		t.Errorf("unexpected notification delivered: %+v", got)
	}
}

func TestDeliverNotificationRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProvider(Options{Image: "analyzer", NotifyAttempts: 5})
	n := analysis.Notification{JobID: "job-1", Status: analysis.StatusSucceeded}

	if err := p.deliverNotification(context.Background(), srv.URL, n); err != nil {
		t.Fatalf("expected delivery to recover, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDeliverNotificationStopsOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestProvider(Options{Image: "analyzer", NotifyAttempts: 5})
	n := analysis.Notification{JobID: "job-1", Status: analysis.StatusFailed}

	err := p.deliverNotification(context.Background(), srv.URL, n)
	if err == nil {
		t.Fatal("expected delivery error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 attempt for client error, got %d", got)
	}
}

func TestDeliverNotificationExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := newTestProvider(Options{Image: "analyzer", NotifyAttempts: 2})
	n := analysis.Notification{JobID: "job-1", Status: analysis.StatusSucceeded}

	if err := p.deliverNotification(context.Background(), srv.URL, n); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestDeliverNotificationHonorsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProvider(Options{Image: "analyzer", NotifyAttempts: 5})
	err := p.deliverNotification(ctx, srv.URL, analysis.Notification{JobID: "job-1"})
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestJobConfigFromEnv(t *testing.T) {
	t.Parallel()

	cfg := jobConfigFromEnv([]string{
		"PATH=/usr/bin",
		"ANALYSIS_JOB_ID=job-1",
		"ANALYSIS_NOTIFY_URL=https://svc.internal/v1/completions",
		"ANALYSIS_TAG=exec-9",
		"ANALYSIS_OUTPUT_LOCATION=s3://outbox/doc-1/",
		"MALFORMED",
	})

	if cfg.notifyURL != "https://svc.internal/v1/completions" {
		t.Errorf("notifyURL = %q", cfg.notifyURL)
	}
	if cfg.tag != "exec-9" {
		t.Errorf("tag = %q", cfg.tag)
	}
	if cfg.outputLocation != "s3://outbox/doc-1/" {
		t.Errorf("outputLocation = %q", cfg.outputLocation)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	got := Options{Image: "analyzer"}.withDefaults()
	if got.CPUs != 1 || got.MemoryMB != 512 {
		t.Errorf("resource defaults wrong: %+v", got)
	}
	if got.NotifyAttempts != 5 || got.NotifyTimeout != 10*time.Second {
		t.Errorf("notify defaults wrong: %+v", got)
	}
	if got.RetentionPeriod != 15*time.Minute || got.MaintenanceInterval != time.Minute {
		t.Errorf("maintenance defaults wrong: %+v", got)
	}

	custom := Options{Image: "analyzer", CPUs: 2, NotifyAttempts: 1}.withDefaults()
	if custom.CPUs != 2 || custom.NotifyAttempts != 1 {
		t.Errorf("explicit values overridden: %+v", custom)
	}
}
