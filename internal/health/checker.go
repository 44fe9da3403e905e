// Package health answers the service's liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// Pinger reports whether a dependency is reachable. The correlation store
// and the analysis provider both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status labels a probe result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one dependency's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe payload. Checks is empty for liveness.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

const (
	pingTimeout = 5 * time.Second
	cacheWindow = time.Second
)

// Checker probes the correlation store and the analysis provider. Verdicts
// are cached for a short window so probe traffic cannot hammer either.
type Checker struct {
	store    Pinger
	provider Pinger

	mu       sync.Mutex
	verdict  *Response
	staleAt  time.Time
	draining bool
}

// NewChecker builds a checker over the two dependencies. A nil dependency
// reports as unhealthy rather than being skipped.
func NewChecker(store, provider Pinger) *Checker {
	return &Checker{store: store, provider: provider}
}

// Liveness never touches dependencies; failing it should restart the
// process.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether the instance should receive traffic. Failing it
// should pull the instance from rotation, not restart it.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.verdict != nil && time.Now().Before(c.staleAt) {
		v := c.verdict
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, 2)}
	for name, dep := range map[string]Pinger{"store": c.store, "provider": c.provider} {
		result := ping(ctx, dep)
		resp.Checks[name] = result
		if result.Status != StatusHealthy {
			resp.Status = StatusUnhealthy
		}
	}

	c.mu.Lock()
	c.verdict = resp
	c.staleAt = time.Now().Add(cacheWindow)
	c.mu.Unlock()
	return resp
}

func ping(ctx context.Context, dep Pinger) CheckResult {
	if dep == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := dep.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes every subsequent readiness check fail so load
// balancers drain the instance while in-flight work finishes.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
	c.verdict = nil
}
