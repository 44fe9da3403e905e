// Package notify delivers terminal execution events to the callback URL
// registered at start time, as signed CloudEvents. Delivery is best-effort:
// a bounded queue absorbs bursts and saturation drops events rather than
// blocking the state machine.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/workflow"
	"docpipe/pkg/backoff"
	"docpipe/pkg/circuitbreaker"
	"docpipe/pkg/cloudevent"
)

// Event types emitted for terminal states.
const (
	EventExecutionSucceeded = "com.docpipe.execution.succeeded"
	EventExecutionFailed    = "com.docpipe.execution.failed"
	EventExecutionTimedOut  = "com.docpipe.execution.timed_out"
)

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, eventType string)
	RecordNotifyFailed(ctx context.Context, eventType string)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Options tune the delivery pool. Zero values fall back to defaults.
type Options struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	MaxAttempts int
	Secret      string // HMAC key; empty disables signing
	Source      string // CloudEvents source attribute
	Breaker     circuitbreaker.Config
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Source == "" {
		o.Source = "urn:docpipe:workflow-service"
	}
	return o
}

// Notifier fans terminal events out to callback URLs. It satisfies
// workflow.TerminalNotifier. A per-destination circuit breaker keeps one
// dead callback URL from burning the workers' time.
type Notifier struct {
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	opts     Options
	metrics  MetricsRecorder
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan workflow.Execution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a notifier and starts its workers.
func New(ctx context.Context, opts Options, metrics MetricsRecorder) *Notifier {
	opts = opts.withDefaults()
	nctx, cancel := context.WithCancel(ctx)
	n := &Notifier{
		sender:   cloudevent.NewSender(opts.SendTimeout),
		breakers: circuitbreaker.NewRegistry(opts.Breaker),
		opts:     opts,
		metrics:  metrics,
		logger:   slog.With("component", "notify"),
		queue:    make(chan workflow.Execution, opts.QueueSize),
		ctx:      nctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		n.wg.Add(1)
		go n.runWorker()
	}
	return n
}

// ExecutionFinished enqueues one delivery. It never blocks: events with no
// callback URL are skipped and a full queue drops the event.
func (n *Notifier) ExecutionFinished(exec workflow.Execution) {
	if exec.CallbackURL == "" || eventTypeFor(exec.State) == "" {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop(exec)
		return
	}
	select {
	case n.queue <- exec:
		if n.metrics != nil {
			n.metrics.RecordNotifyQueueSize(n.ctx, int64(len(n.queue)))
		}
	default:
		n.drop(exec)
	}
}

// Close stops intake, drains queued deliveries, and waits for the workers.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	n.cancel()
}

func (n *Notifier) drop(exec workflow.Execution) {
	n.logger.Warn("dropping terminal event", "execution_id", exec.ID, "state", exec.State)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(n.ctx)
	}
}

func (n *Notifier) runWorker() {
	defer n.wg.Done()
	for exec := range n.queue {
		n.deliver(exec)
		if n.metrics != nil {
			n.metrics.RecordNotifyQueueSize(n.ctx, int64(len(n.queue)))
		}
	}
}

func (n *Notifier) deliver(exec workflow.Execution) {
	eventType := eventTypeFor(exec.State)
	logger := n.logger.With("execution_id", exec.ID, "type", eventType, "url", exec.CallbackURL)

	breaker := n.breakers.Get(exec.CallbackURL)
	if !breaker.Allow() {
		logger.Warn("destination circuit open, dropping event")
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(n.ctx)
		}
		return
	}

	event := cloudevent.New(eventType, n.opts.Source, exec.ID, uuid.NewString(), eventData(exec))
	var sched backoff.Schedule
	var lastErr error
	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(n.ctx, n.opts.SendTimeout)
		lastErr = n.sender.Send(ctx, exec.CallbackURL, event, cloudevent.SendOptions{SigningKey: n.opts.Secret})
		cancel()
		if lastErr == nil {
			breaker.RecordSuccess()
			logger.Info("terminal event delivered", "attempt", attempt)
			if n.metrics != nil {
				n.metrics.RecordNotifyDelivered(n.ctx, eventType)
			}
			return
		}
		if cloudevent.IsClientError(lastErr) {
			break
		}
		if attempt < n.opts.MaxAttempts {
			if err := sleepCtx(n.ctx, sched.Delay(attempt)); err != nil {
				break
			}
		}
	}
	breaker.RecordFailure()
	logger.Warn("terminal event delivery failed", "error", lastErr)
	if n.metrics != nil {
		n.metrics.RecordNotifyFailed(n.ctx, eventType)
	}
}

func eventTypeFor(state workflow.State) string {
	switch state {
	case workflow.StateResumedSuccess:
		return EventExecutionSucceeded
	case workflow.StateResumedFailure:
		return EventExecutionFailed
	case workflow.StateTimedOut:
		return EventExecutionTimedOut
	}
	return ""
}

func eventData(exec workflow.Execution) map[string]any {
	data := map[string]any{
		"executionId": exec.ID,
		"mode":        string(exec.Mode),
		"state":       string(exec.State),
	}
	if exec.JobID != "" {
		data["jobId"] = exec.JobID
	}
	if exec.Result != nil {
		if exec.Result.ResultLocation != "" {
			data["resultLocation"] = exec.Result.ResultLocation
		}
		if exec.Result.StatusMessage != "" {
			data["statusMessage"] = exec.Result.StatusMessage
		}
		if exec.Result.Pages > 0 {
			data["pages"] = exec.Result.Pages
		}
		data["completedAt"] = exec.Result.CompletedAt.UTC()
	}
	return data
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
