// Package workflow implements the suspend/resume orchestration around
// asynchronous document-analysis jobs. An execution dispatches a provider
// job, suspends without holding a thread, and is resumed exactly once when
// the job's completion notification arrives.
package workflow

import (
	"fmt"
	"time"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
)

// Mode selects how the caller observes job completion.
type Mode string

const (
	// ModeFireAndForget acknowledges the caller as soon as the job is
	// dispatched; nothing waits for the outcome.
	ModeFireAndForget Mode = "fire-and-forget"
	// ModeSubworkflow has the engine itself poll the provider until the
	// job reaches a terminal status.
	ModeSubworkflow Mode = "subworkflow"
	// ModeCallback suspends the execution under a continuation token and
	// resumes it when the completion listener presents that token.
	ModeCallback Mode = "callback"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFireAndForget, ModeSubworkflow, ModeCallback:
		return Mode(s), nil
	}
	return "", apperrors.Validation("mode", fmt.Sprintf("unknown integration mode %q", s))
}

// State is the execution's position in the suspend/resume machine.
type State string

const (
	// StateDispatching covers the start call and its retries. Subworkflow
	// executions also hold it while the engine polls the provider.
	StateDispatching State = "dispatching"
	// StateAwaitingCompletion is the true suspension: no goroutine or poll
	// loop exists for the execution, only its continuation token.
	StateAwaitingCompletion State = "awaiting_completion"
	StateResumedSuccess     State = "resumed_success"
	StateResumedFailure     State = "resumed_failure"
	StateTimedOut           State = "timed_out"
)

// IsTerminal reports whether the execution can transition no further.
func (s State) IsTerminal() bool {
	switch s {
	case StateResumedSuccess, StateResumedFailure, StateTimedOut:
		return true
	}
	return false
}

// Result is the outcome payload of a terminal execution.
type Result struct {
	ResultLocation string    `json:"resultLocation,omitempty"`
	StatusMessage  string    `json:"statusMessage,omitempty"`
	Pages          int       `json:"pages,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Execution is one workflow run. Values handed out by the engine are
// snapshots; only the engine mutates the stored copy.
type Execution struct {
	ID          string            `json:"executionId"`
	Mode        Mode              `json:"mode"`
	State       State             `json:"state"`
	Manifest    analysis.Manifest `json:"manifest"`
	JobID       string            `json:"jobId,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	Result      *Result           `json:"result,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`

	// Token is the continuation token in callback mode. It is never
	// serialized: whoever holds it can resume the execution.
	Token string `json:"-"`
	// Deadline bounds the suspension; passing it forces timed_out.
	Deadline time.Time `json:"-"`
}

// Outcome is what a resume call reports about the finished job. JobID
// backfills executions that complete before their dispatch is recorded.
type Outcome struct {
	JobID          string
	Success        bool
	ResultLocation string
	StatusMessage  string
	Pages          int
	CompletedAt    time.Time
}
