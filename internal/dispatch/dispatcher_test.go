package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/internal/correlation"
)

// scriptedStarter fails with errs[i] on call i and succeeds once the
// script runs out.
type scriptedStarter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	jobID string
	last  analysis.StartRequest
}

func (s *scriptedStarter) StartAnalysis(_ context.Context, req analysis.StartRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	s.last = req
	if err != nil {
		return "", err
	}
	return s.jobID, nil
}

func (s *scriptedStarter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failingStore struct{}

func (failingStore) Put(context.Context, correlation.Record) error {
	return apperrors.Unavailable("correlation.Put", errors.New("disk full"))
}

func (failingStore) GetAndClear(context.Context, string) (correlation.Record, error) {
	return correlation.Record{}, apperrors.NotFound("correlation record", "any")
}

func (failingStore) Ping(context.Context) error { return nil }
func (failingStore) Close() error               { return nil }

func fastPolicy(maxAttempts int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	p.InitialInterval = time.Millisecond
	return p
}

func testManifest() analysis.Manifest {
	return analysis.Manifest{
		DocumentLocation: "s3://inbox/statements/2026-08.pdf",
		Features:         []string{"TABLES"},
		OutputLocation:   "s3://outbox/statements/2026-08/",
	}
}

func startRequest(token string) StartRequest {
	return StartRequest{
		Manifest:    testManifest(),
		ExecutionID: "exec-1",
		Token:       token,
		NotifyURL:   "http://localhost:8080/v1/completions",
		RecordTTL:   time.Hour,
		Policy:      fastPolicy(3),
	}
}

func throttled() error {
	return apperrors.Upstream("provider.start", analysis.CodeThrottling, "slow down", 429)
}

func TestStartRetriesThrottlingUntilSuccess(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{errs: []error{throttled(), throttled()}, jobID: "job-7"}
	store := correlation.NewMemoryStore(time.Minute)
	defer store.Close()
	d := New(starter, store, nil)

	res, err := d.Start(context.Background(), startRequest("tok-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.JobID != "job-7" {
		t.Fatalf("job ID = %q, want job-7", res.JobID)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}

	rec, err := store.GetAndClear(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("record not written: %v", err)
	}
	if rec.Token != "tok-1" || rec.ExecutionID != "exec-1" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.OutputLocation != "s3://outbox/statements/2026-08/" {
		t.Fatalf("output location = %q", rec.OutputLocation)
	}
	if _, err := store.GetAndClear(context.Background(), "job-7"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected exactly one record, second read got %v", err)
	}
}

func TestStartNonRetryableFailsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{errs: []error{
		apperrors.Upstream("provider.start", analysis.CodeInvalidParameter, "bad feature list", 400),
	}}
	store := correlation.NewMemoryStore(time.Minute)
	defer store.Close()
	d := New(starter, store, nil)

	_, err := d.Start(context.Background(), startRequest("tok-1"))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if starter.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", starter.callCount())
	}
}

func TestStartExhaustsAttempts(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{errs: []error{throttled(), throttled(), throttled(), throttled()}}
	store := correlation.NewMemoryStore(time.Minute)
	defer store.Close()
	d := New(starter, store, nil)

	_, err := d.Start(context.Background(), startRequest("tok-1"))
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := apperrors.CodeOf(err); got != analysis.CodeThrottling {
		t.Fatalf("code = %q, want %q", got, analysis.CodeThrottling)
	}
	if starter.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", starter.callCount())
	}
}

func TestStartRetriesUncodedTransientErrors(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{
		errs:  []error{apperrors.Unavailable("provider.start", errors.New("connection refused"))},
		jobID: "job-9",
	}
	d := New(starter, nil, nil)

	req := startRequest("")
	res, err := d.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
}

func TestStartWithoutTokenWritesNoRecord(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{jobID: "job-3"}
	// A nil store proves the record path is never touched.
	d := New(starter, nil, nil)

	res, err := d.Start(context.Background(), startRequest(""))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.JobID != "job-3" {
		t.Fatalf("job ID = %q", res.JobID)
	}
}

func TestStartOrphanedWhenRecordWriteFails(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{jobID: "job-5"}
	d := New(starter, failingStore{}, nil)

	_, err := d.Start(context.Background(), startRequest("tok-1"))
	if !errors.Is(err, ErrOrphanedStart) {
		t.Fatalf("expected ErrOrphanedStart, got %v", err)
	}
	if starter.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", starter.callCount())
	}
}

func TestStartValidatesRequest(t *testing.T) {
	t.Parallel()
	d := New(&scriptedStarter{jobID: "job-1"}, nil, nil)

	req := startRequest("")
	req.ExecutionID = ""
	if _, err := d.Start(context.Background(), req); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("missing execution ID: got %v", err)
	}

	req = startRequest("")
	req.Manifest.DocumentLocation = ""
	if _, err := d.Start(context.Background(), req); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("empty manifest: got %v", err)
	}
}

func TestStartCancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	starter := &scriptedStarter{errs: []error{throttled(), throttled()}, jobID: "job-2"}
	d := New(starter, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := startRequest("")
	req.Policy.InitialInterval = time.Second
	_, err := d.Start(ctx, req)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable after cancel, got %v", err)
	}
	if starter.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", starter.callCount())
	}
}
