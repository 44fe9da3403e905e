package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/internal/dispatch"
)

// Dispatcher starts the provider job and, in callback mode, persists the
// correlation record before acknowledging.
type Dispatcher interface {
	Start(ctx context.Context, req dispatch.StartRequest) (dispatch.StartResult, error)
}

// TerminalNotifier is told about every terminal transition. Implementations
// must not block.
type TerminalNotifier interface {
	ExecutionFinished(exec Execution)
}

// MetricsRecorder is an optional interface for recording engine metrics.
type MetricsRecorder interface {
	RecordExecutionStarted(ctx context.Context, mode string)
	RecordExecutionFinished(ctx context.Context, mode, state string, durationSeconds float64)
	RecordExecutionsActive(ctx context.Context, state string, count int64)
}

// StartRequest begins one execution.
type StartRequest struct {
	Mode        Mode              `json:"mode,omitempty"`
	Manifest    analysis.Manifest `json:"manifest"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
}

// Deps are the engine's collaborators. Dispatcher is required; the rest are
// optional and checked for nil.
type Deps struct {
	Dispatcher Dispatcher
	Describer  analysis.Describer // subworkflow polling
	Stopper    analysis.Stopper   // best-effort abandon on subworkflow timeout
	Notifier   TerminalNotifier
	Metrics    MetricsRecorder
}

// Options tune the engine. Zero values fall back to defaults; an empty
// InputKind accepts either manifest shape.
type Options struct {
	DefaultMode       Mode
	SuspensionTimeout time.Duration
	RetentionPeriod   time.Duration
	PollInterval      time.Duration
	SweepInterval     time.Duration
	RecordTTL         time.Duration
	NotifyURL         string // webhook the provider posts completions to
	Policy            dispatch.RetryPolicy
	AugmentPayload    bool
	InputKind         string
}

func (o Options) withDefaults() Options {
	if o.DefaultMode == "" {
		o.DefaultMode = ModeCallback
	}
	if o.SuspensionTimeout <= 0 {
		o.SuspensionTimeout = 72 * time.Hour
	}
	if o.RetentionPeriod <= 0 {
		o.RetentionPeriod = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = 96 * time.Hour
	}
	if o.Policy.MaxAttempts == 0 {
		o.Policy = dispatch.DefaultRetryPolicy()
	}
	return o
}

var allStates = []State{
	StateDispatching,
	StateAwaitingCompletion,
	StateResumedSuccess,
	StateResumedFailure,
	StateTimedOut,
}

// Engine owns the execution state machine.
type Engine struct {
	dispatcher Dispatcher
	describer  analysis.Describer
	stopper    analysis.Stopper
	notifier   TerminalNotifier
	metrics    MetricsRecorder

	store  *executionStore
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine and starts its maintenance loop. Background
// work stops when ctx is cancelled or Close is called.
func NewEngine(ctx context.Context, deps Deps, opts Options) *Engine {
	ectx, cancel := context.WithCancel(ctx)
	e := &Engine{
		dispatcher: deps.Dispatcher,
		describer:  deps.Describer,
		stopper:    deps.Stopper,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		store:      newExecutionStore(),
		opts:       opts.withDefaults(),
		logger:     slog.With("component", "workflow"),
		ctx:        ectx,
		cancel:     cancel,
	}
	e.wg.Add(1)
	go e.runMaintenance()
	return e
}

// Close stops maintenance, polling, and in-flight dispatches, and waits for
// them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Start validates the request, registers the execution, and dispatches the
// provider job in the background. The returned snapshot is in
// StateDispatching; callers observe progress via Get or Await.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Execution, error) {
	mode := req.Mode
	if mode == "" {
		mode = e.opts.DefaultMode
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return Execution{}, err
	}
	if err := req.Manifest.Validate(); err != nil {
		return Execution{}, err
	}
	if err := e.checkInputKind(req.Manifest); err != nil {
		return Execution{}, err
	}

	now := time.Now()
	exec := Execution{
		ID:          uuid.NewString(),
		Mode:        mode,
		State:       StateDispatching,
		Manifest:    req.Manifest,
		CallbackURL: req.CallbackURL,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if mode == ModeCallback {
		exec.Token = uuid.NewString()
	}
	if err := e.store.create(exec); err != nil {
		return Execution{}, err
	}

	e.logger.Info("execution started", "execution_id", exec.ID, "mode", mode)
	if e.metrics != nil {
		e.metrics.RecordExecutionStarted(ctx, string(mode))
	}

	e.wg.Add(1)
	go e.dispatchAndTrack(exec)
	return exec, nil
}

// Resume completes a suspended execution. The token is consumed atomically,
// so concurrent resumes and the timeout sweep cannot both win.
func (e *Engine) Resume(ctx context.Context, token string, oc Outcome) (Execution, error) {
	exec, err := e.store.resume(token, func(x *Execution) {
		if x.JobID == "" {
			x.JobID = oc.JobID
		}
		if oc.Success {
			x.State = StateResumedSuccess
		} else {
			x.State = StateResumedFailure
		}
		completed := oc.CompletedAt
		if completed.IsZero() {
			completed = time.Now()
		}
		x.Result = &Result{
			ResultLocation: oc.ResultLocation,
			StatusMessage:  oc.StatusMessage,
			Pages:          oc.Pages,
			CompletedAt:    completed,
		}
	})
	if err != nil {
		return Execution{}, err
	}
	e.logger.Info("execution resumed",
		"execution_id", exec.ID, "job_id", exec.JobID, "state", exec.State)
	e.finish(ctx, exec)
	return exec, nil
}

// Get returns a snapshot of an execution.
func (e *Engine) Get(id string) (Execution, error) {
	exec, ok := e.store.get(id)
	if !ok {
		return Execution{}, apperrors.NotFound("execution", id)
	}
	return exec, nil
}

// Await blocks until the execution turns terminal or ctx expires, then
// returns the latest snapshot. Callers decide what a non-terminal state
// after expiry means.
func (e *Engine) Await(ctx context.Context, id string) (Execution, error) {
	done, ok := e.store.doneChan(id)
	if !ok {
		return Execution{}, apperrors.NotFound("execution", id)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	exec, ok := e.store.get(id)
	if !ok {
		return Execution{}, apperrors.NotFound("execution", id)
	}
	return exec, nil
}

// Counts reports how many executions sit in each state.
func (e *Engine) Counts() map[State]int {
	return e.store.counts()
}

func (e *Engine) checkInputKind(m analysis.Manifest) error {
	switch e.opts.InputKind {
	case "document":
		if m.DocumentLocation == "" {
			return apperrors.Validation("manifest", "this service accepts document location input only")
		}
	case "payload":
		if len(m.Payload) == 0 {
			return apperrors.Validation("manifest", "this service accepts structured payload input only")
		}
	}
	return nil
}

// maybeAugment injects the execution ID into the structured payload for
// traceability. Config validation guarantees this only runs on payload
// input.
func (e *Engine) maybeAugment(exec Execution) analysis.Manifest {
	m := exec.Manifest
	if !e.opts.AugmentPayload || len(m.Payload) == 0 {
		return m
	}
	payload := make(map[string]any, len(m.Payload)+1)
	for k, v := range m.Payload {
		payload[k] = v
	}
	payload["executionId"] = exec.ID
	m.Payload = payload
	return m
}

func (e *Engine) dispatchAndTrack(exec Execution) {
	defer e.wg.Done()
	logger := e.logger.With("execution_id", exec.ID, "mode", exec.Mode)

	res, err := e.dispatcher.Start(e.ctx, dispatch.StartRequest{
		Manifest:    e.maybeAugment(exec),
		ExecutionID: exec.ID,
		Token:       exec.Token,
		NotifyURL:   e.opts.NotifyURL,
		Tag:         exec.ID,
		RecordTTL:   e.opts.RecordTTL,
		Policy:      e.opts.Policy,
	})
	if err != nil {
		// A known dispatch failure must never leave the caller suspended:
		// the execution resumes with failure instead.
		logger.Error("dispatch failed, resuming with failure", "error", err)
		failed, terr := e.store.transition(exec.ID, StateDispatching, func(x *Execution) {
			x.State = StateResumedFailure
			x.Result = &Result{
				StatusMessage: "job dispatch failed: " + err.Error(),
				CompletedAt:   time.Now(),
			}
		})
		if terr != nil {
			logger.Warn("could not record dispatch failure", "error", terr)
			return
		}
		e.finish(e.ctx, failed)
		return
	}

	switch exec.Mode {
	case ModeCallback:
		deadline := time.Now().Add(e.opts.SuspensionTimeout)
		_, terr := e.store.transition(exec.ID, StateDispatching, func(x *Execution) {
			x.JobID = res.JobID
			x.State = StateAwaitingCompletion
			x.Deadline = deadline
		})
		if terr != nil {
			// A completion can beat the suspend transition when the job
			// finishes during dispatch. The resume already won the token.
			if errors.Is(terr, apperrors.ErrConflict) {
				logger.Info("completion arrived before suspension was recorded", "job_id", res.JobID)
				return
			}
			logger.Warn("could not suspend execution", "error", terr)
			return
		}
		logger.Info("execution suspended awaiting completion",
			"job_id", res.JobID, "attempts", res.Attempts, "deadline", deadline)

	case ModeFireAndForget:
		done, terr := e.store.transition(exec.ID, StateDispatching, func(x *Execution) {
			x.JobID = res.JobID
			x.State = StateResumedSuccess
			x.Result = &Result{
				StatusMessage: "job dispatched",
				CompletedAt:   time.Now(),
			}
		})
		if terr != nil {
			logger.Warn("could not finish execution", "error", terr)
			return
		}
		logger.Info("execution finished on dispatch ack", "job_id", res.JobID)
		e.finish(e.ctx, done)

	case ModeSubworkflow:
		deadline := time.Now().Add(e.opts.SuspensionTimeout)
		_, terr := e.store.transition(exec.ID, StateDispatching, func(x *Execution) {
			x.JobID = res.JobID
			x.Deadline = deadline
		})
		if terr != nil {
			logger.Warn("could not record nested job", "error", terr)
			return
		}
		logger.Info("polling nested job", "job_id", res.JobID)
		e.wg.Add(1)
		go e.pollSubworkflow(exec.ID, res.JobID, deadline)
	}
}

// pollSubworkflow drives a nested job to completion on behalf of the
// caller. Only this mode holds a loop; callback suspensions hold nothing.
func (e *Engine) pollSubworkflow(id, jobID string, deadline time.Time) {
	defer e.wg.Done()
	logger := e.logger.With("execution_id", id, "job_id", jobID)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		if !time.Now().Before(deadline) {
			if e.stopper != nil {
				stopCtx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
				if err := e.stopper.StopAnalysis(stopCtx, jobID); err != nil {
					logger.Warn("stop after timeout failed", "error", err)
				}
				cancel()
			}
			timedOut, terr := e.store.transition(id, StateDispatching, func(x *Execution) {
				x.State = StateTimedOut
				x.Result = &Result{
					StatusMessage: "nested job did not finish within the suspension timeout",
					CompletedAt:   time.Now(),
				}
			})
			if terr == nil {
				logger.Warn("nested job timed out")
				e.finish(e.ctx, timedOut)
			}
			return
		}

		desc, err := e.describer.DescribeAnalysis(e.ctx, jobID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				failed, terr := e.store.transition(id, StateDispatching, func(x *Execution) {
					x.State = StateResumedFailure
					x.Result = &Result{
						StatusMessage: "provider no longer knows job " + jobID,
						CompletedAt:   time.Now(),
					}
				})
				if terr == nil {
					e.finish(e.ctx, failed)
				}
				return
			}
			logger.Warn("describe failed", "error", err)
			continue
		}
		if !desc.Status.IsTerminal() {
			continue
		}

		succeeded := desc.Status == analysis.StatusSucceeded
		finished, terr := e.store.transition(id, StateDispatching, func(x *Execution) {
			if succeeded {
				x.State = StateResumedSuccess
			} else {
				x.State = StateResumedFailure
			}
			x.Result = &Result{
				ResultLocation: desc.ResultLocation,
				StatusMessage:  desc.StatusMessage,
				Pages:          desc.Pages,
				CompletedAt:    time.Now(),
			}
		})
		if terr == nil {
			logger.Info("nested job finished", "state", finished.State)
			e.finish(e.ctx, finished)
		}
		return
	}
}

// runMaintenance periodically times out overdue suspensions, retires old
// terminal executions, and refreshes the per-state gauges.
func (e *Engine) runMaintenance() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, exec := range e.store.expireDue(now) {
				e.logger.Warn("execution timed out awaiting completion",
					"execution_id", exec.ID, "job_id", exec.JobID)
				e.finish(e.ctx, exec)
			}
			if n := e.store.removeTerminalBefore(now.Add(-e.opts.RetentionPeriod)); n > 0 {
				e.logger.Debug("retired terminal executions", "count", n)
			}
			if e.metrics != nil {
				counts := e.store.counts()
				for _, st := range allStates {
					e.metrics.RecordExecutionsActive(e.ctx, string(st), int64(counts[st]))
				}
			}
		}
	}
}

func (e *Engine) finish(ctx context.Context, exec Execution) {
	if e.metrics != nil {
		duration := exec.UpdatedAt.Sub(exec.StartedAt).Seconds()
		e.metrics.RecordExecutionFinished(ctx, string(exec.Mode), string(exec.State), duration)
	}
	if e.notifier != nil {
		e.notifier.ExecutionFinished(exec)
	}
}
