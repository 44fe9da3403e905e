// Package dispatch starts provider jobs with bounded retries and, for
// executions that suspend, persists the correlation record that the
// completion listener will later consume.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/internal/correlation"
	"docpipe/pkg/backoff"
)

// ErrOrphanedStart marks a job that the provider accepted but whose
// correlation record could not be written. The job runs to completion on
// the provider side; its notification will find no record and be discarded.
var ErrOrphanedStart = errors.New("job started but correlation record was not written")

const defaultRecordTTL = 96 * time.Hour

// RetryPolicy bounds the start loop. Only codes listed in RetryableCodes
// are retried; errors without an upstream code fall back to the transport
// transience check.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffRate     float64
	RetryableCodes  []string
}

// DefaultRetryPolicy retries the provider's throttling and transient
// server codes three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		BackoffRate:     2.0,
		RetryableCodes: []string{
			analysis.CodeThrottling,
			analysis.CodeLimitExceeded,
			analysis.CodeInternalServerError,
			analysis.CodeProvisionedThroughput,
		},
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if code := apperrors.CodeOf(err); code != "" {
		for _, c := range p.RetryableCodes {
			if c == code {
				return true
			}
		}
		return false
	}
	return apperrors.Transient(err)
}

// StartRequest carries everything one dispatch needs. A non-empty Token
// means the execution suspends and a correlation record must be written.
type StartRequest struct {
	Manifest    analysis.Manifest
	ExecutionID string
	Token       string
	NotifyURL   string
	Tag         string
	RecordTTL   time.Duration
	Policy      RetryPolicy
}

func (r StartRequest) validate() error {
	if r.ExecutionID == "" {
		return apperrors.Validation("executionId", "execution ID is required")
	}
	return r.Manifest.Validate()
}

// StartResult reports the provider job and how many attempts it took.
type StartResult struct {
	JobID    string
	Attempts int
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordDispatchStarted(ctx context.Context, attempts int64)
	RecordDispatchRetry(ctx context.Context, code string)
	RecordDispatchFailed(ctx context.Context)
	RecordDispatchOrphaned(ctx context.Context)
}

// Dispatcher starts jobs against one provider client.
type Dispatcher struct {
	starter analysis.Starter
	store   correlation.Store
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a dispatcher. store may be nil when no execution ever
// suspends; metrics may always be nil.
func New(starter analysis.Starter, store correlation.Store, metrics MetricsRecorder) *Dispatcher {
	return &Dispatcher{
		starter: starter,
		store:   store,
		metrics: metrics,
		logger:  slog.With("component", "dispatch"),
	}
}

// Start runs the bounded retry loop and, once the provider accepts the
// job, writes the correlation record before acknowledging. The record
// write is not retried: a failure there returns ErrOrphanedStart and the
// caller must treat the execution as failed.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.validate(); err != nil {
		return StartResult{}, err
	}
	maxAttempts := req.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sched := backoff.Schedule{
		Initial: req.Policy.InitialInterval,
		Rate:    req.Policy.BackoffRate,
	}

	start := analysis.StartRequest{
		Manifest:    req.Manifest,
		ClientToken: req.ExecutionID,
		NotifyURL:   req.NotifyURL,
		Tag:         req.Tag,
	}

	var (
		jobID    string
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		jobID, lastErr = d.starter.StartAnalysis(ctx, start)
		if lastErr == nil {
			break
		}
		if !req.Policy.retryable(lastErr) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		delay := sched.Delay(attempt)
		code := apperrors.CodeOf(lastErr)
		d.logger.Warn("start attempt failed, backing off",
			"execution_id", req.ExecutionID, "attempt", attempt, "delay", delay,
			"code", code, "error", lastErr)
		if d.metrics != nil {
			d.metrics.RecordDispatchRetry(ctx, code)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return StartResult{}, apperrors.Unavailable("dispatch.start", err)
		}
	}
	if lastErr != nil {
		d.logger.Warn("start failed",
			"execution_id", req.ExecutionID, "attempts", attempts, "error", lastErr)
		if d.metrics != nil {
			d.metrics.RecordDispatchFailed(ctx)
		}
		return StartResult{}, lastErr
	}

	if req.Token != "" {
		if err := d.writeRecord(ctx, req, jobID); err != nil {
			if d.metrics != nil {
				d.metrics.RecordDispatchOrphaned(ctx)
			}
			d.logger.Error("correlation record write failed after job start",
				"execution_id", req.ExecutionID, "job_id", jobID, "error", err)
			return StartResult{}, fmt.Errorf("%w (job %s): %w", ErrOrphanedStart, jobID, err)
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDispatchStarted(ctx, int64(attempts))
	}
	d.logger.Info("job started",
		"execution_id", req.ExecutionID, "job_id", jobID, "attempts", attempts)
	return StartResult{JobID: jobID, Attempts: attempts}, nil
}

func (d *Dispatcher) writeRecord(ctx context.Context, req StartRequest, jobID string) error {
	if d.store == nil {
		return apperrors.Internal("dispatch.writeRecord",
			errors.New("no correlation store configured"))
	}
	ttl := req.RecordTTL
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	now := time.Now()
	return d.store.Put(ctx, correlation.Record{
		JobID:          jobID,
		Token:          req.Token,
		ExecutionID:    req.ExecutionID,
		OutputLocation: req.Manifest.OutputLocation,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
