package workflow

import (
	"sync"
	"time"

	"docpipe/internal/apperrors"
)

// entry pairs the stored execution with the channel closed on its terminal
// transition.
type entry struct {
	exec Execution
	done chan struct{}
}

// executionStore manages execution state with thread-safe access. Terminal
// transitions, token consumption, and the done signal all happen under one
// lock so racing resume, timeout, and await calls observe a single order.
type executionStore struct {
	mu         sync.RWMutex
	executions map[string]*entry
	tokens     map[string]string // continuation token -> execution ID
}

func newExecutionStore() *executionStore {
	return &executionStore{
		executions: make(map[string]*entry),
		tokens:     make(map[string]string),
	}
}

// create registers a new execution. Returns error if the ID is taken.
func (r *executionStore) create(exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[exec.ID]; exists {
		return apperrors.Conflict("execution", exec.ID, "execution already exists")
	}
	r.executions[exec.ID] = &entry{exec: exec, done: make(chan struct{})}
	if exec.Token != "" {
		r.tokens[exec.Token] = exec.ID
	}
	return nil
}

// get returns a snapshot of an execution.
func (r *executionStore) get(id string) (Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.executions[id]
	if !exists {
		return Execution{}, false
	}
	return e.exec, true
}

// doneChan returns the channel closed when the execution turns terminal.
func (r *executionStore) doneChan(id string) (<-chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.executions[id]
	if !exists {
		return nil, false
	}
	return e.done, true
}

// transition applies fn to the execution if it is currently in from.
// A resulting terminal state closes the done channel and retires the token.
func (r *executionStore) transition(id string, from State, fn func(*Execution)) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.executions[id]
	if !exists {
		return Execution{}, apperrors.NotFound("execution", id)
	}
	if e.exec.State != from {
		return Execution{}, apperrors.Conflict("execution", id, "execution is not in state "+string(from))
	}
	fn(&e.exec)
	e.exec.UpdatedAt = time.Now()
	if e.exec.State.IsTerminal() {
		r.finalizeLocked(e)
	}
	return e.exec, nil
}

// resume consumes the continuation token and applies the terminal
// transition in the same critical section, so a token resumes at most once
// and never races the timeout sweep. A completion can land while the
// execution is still recording its dispatch; that resume wins and the later
// suspend transition is refused.
func (r *executionStore) resume(token string, fn func(*Execution)) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.tokens[token]
	if !ok {
		return Execution{}, apperrors.NotFound("continuation token", token)
	}
	e := r.executions[id]
	if e.exec.State != StateAwaitingCompletion && e.exec.State != StateDispatching {
		return Execution{}, apperrors.Conflict("execution", id, "execution is not awaiting completion")
	}
	fn(&e.exec)
	e.exec.UpdatedAt = time.Now()
	r.finalizeLocked(e)
	return e.exec, nil
}

// expireDue forces timed_out on every suspended execution past its deadline
// and returns the new snapshots.
func (r *executionStore) expireDue(now time.Time) []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Execution
	for _, e := range r.executions {
		if e.exec.State != StateAwaitingCompletion || e.exec.Deadline.After(now) {
			continue
		}
		e.exec.State = StateTimedOut
		e.exec.Result = &Result{
			StatusMessage: "no completion arrived within the suspension timeout",
			CompletedAt:   now,
		}
		e.exec.UpdatedAt = now
		r.finalizeLocked(e)
		expired = append(expired, e.exec)
	}
	return expired
}

// removeTerminalBefore drops terminal executions last updated before cutoff.
func (r *executionStore) removeTerminalBefore(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for id, e := range r.executions {
		if e.exec.State.IsTerminal() && e.exec.UpdatedAt.Before(cutoff) {
			delete(r.executions, id)
			n++
		}
	}
	return n
}

// counts returns the number of executions per state.
func (r *executionStore) counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[State]int, len(r.executions))
	for _, e := range r.executions {
		result[e.exec.State]++
	}
	return result
}

// finalizeLocked retires the token and signals waiters. Caller holds mu.
func (r *executionStore) finalizeLocked(e *entry) {
	if e.exec.Token != "" {
		delete(r.tokens, e.exec.Token)
	}
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}
