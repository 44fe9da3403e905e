// Package listener turns out-of-band completion notifications into resume
// calls on the matching suspended execution. Notifications that match
// nothing, because they are duplicates, orphans, or arrived after the
// suspension timed out, are logged and discarded.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/internal/correlation"
	"docpipe/internal/workflow"
	"docpipe/pkg/backoff"
)

// Resumer completes a suspended execution. *workflow.Engine satisfies it.
type Resumer interface {
	Resume(ctx context.Context, token string, oc workflow.Outcome) (workflow.Execution, error)
}

// MetricsRecorder is an optional interface for recording listener metrics.
type MetricsRecorder interface {
	RecordCompletionResumed(ctx context.Context, outcome string, jobSeconds float64, pages int64)
	RecordCompletionDiscarded(ctx context.Context, reason string)
	RecordLookupRetry(ctx context.Context)
}

// Options tune the correlation lookup. A notification can beat the record
// write when the provider finishes very fast, so misses are retried a few
// times before the notification is declared unmatched.
type Options struct {
	LookupAttempts    int
	LookupInterval    time.Duration
	LookupBackoffRate float64
}

func (o Options) withDefaults() Options {
	if o.LookupAttempts <= 0 {
		o.LookupAttempts = 4
	}
	if o.LookupInterval <= 0 {
		o.LookupInterval = 50 * time.Millisecond
	}
	if o.LookupBackoffRate < 1 {
		o.LookupBackoffRate = 2.0
	}
	return o
}

// Listener matches completions to suspended executions.
type Listener struct {
	store   correlation.Store
	resumer Resumer
	metrics MetricsRecorder
	opts    Options
	logger  *slog.Logger
}

func New(store correlation.Store, resumer Resumer, metrics MetricsRecorder, opts Options) *Listener {
	return &Listener{
		store:   store,
		resumer: resumer,
		metrics: metrics,
		opts:    opts.withDefaults(),
		logger:  slog.With("component", "listener"),
	}
}

// HandleCompletion consumes the correlation record for the notified job and
// resumes its execution. It returns nil for notifications that are valid
// but match nothing; delivery retries would not change that outcome. Errors
// mean the caller should have the notification redelivered.
func (l *Listener) HandleCompletion(ctx context.Context, n analysis.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	logger := l.logger.With("job_id", n.JobID, "status", n.Status)

	rec, found, err := l.lookup(ctx, n.JobID, logger)
	if err != nil {
		return err
	}
	if !found {
		logger.Info("discarding completion with no correlation record")
		if l.metrics != nil {
			l.metrics.RecordCompletionDiscarded(ctx, "unmatched")
		}
		return nil
	}

	completed := n.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	resultLocation := n.ResultLocation
	if resultLocation == "" {
		resultLocation = rec.OutputLocation
	}
	outcome := workflow.Outcome{
		JobID:          n.JobID,
		Success:        n.Status == analysis.StatusSucceeded,
		ResultLocation: resultLocation,
		StatusMessage:  n.StatusMessage,
		Pages:          n.Pages,
		CompletedAt:    completed,
	}

	exec, err := l.resumer.Resume(ctx, rec.Token, outcome)
	if err != nil {
		// The sweep can retire the token between the record read and the
		// resume. The record is already consumed, so the completion is lost
		// on purpose rather than redelivered.
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrConflict) {
			logger.Warn("discarding late completion, execution no longer suspended", "error", err)
			if l.metrics != nil {
				l.metrics.RecordCompletionDiscarded(ctx, "late")
			}
			return nil
		}
		return err
	}

	jobSeconds := completed.Sub(rec.CreatedAt).Seconds()
	outcomeLabel := "failure"
	if outcome.Success {
		outcomeLabel = "success"
	}
	logger.Info("execution resumed from completion",
		"execution_id", exec.ID, "job_seconds", jobSeconds, "pages", n.Pages)
	if l.metrics != nil {
		l.metrics.RecordCompletionResumed(ctx, outcomeLabel, jobSeconds, int64(n.Pages))
	}
	return nil
}

func (l *Listener) lookup(ctx context.Context, jobID string, logger *slog.Logger) (correlation.Record, bool, error) {
	sched := backoff.Schedule{
		Initial: l.opts.LookupInterval,
		Rate:    l.opts.LookupBackoffRate,
	}
	for attempt := 1; ; attempt++ {
		rec, err := l.store.GetAndClear(ctx, jobID)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return correlation.Record{}, false, err
		}
		if attempt >= l.opts.LookupAttempts {
			return correlation.Record{}, false, nil
		}
		delay := sched.Delay(attempt)
		logger.Debug("correlation record not found yet, retrying",
			"attempt", attempt, "delay", delay)
		if l.metrics != nil {
			l.metrics.RecordLookupRetry(ctx)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return correlation.Record{}, false, apperrors.Unavailable("listener.lookup", err)
		}
	}
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
