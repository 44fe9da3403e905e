// Package analysis defines the contract with the document-analysis provider:
// the manifest a job is started from, the provider-side job status, and the
// completion notification delivered when a job finishes.
package analysis

import (
	"time"

	"docpipe/internal/apperrors"
)

// JobStatus is the provider-side status of an analysis job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the provider will emit no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Provider error codes. Retry policies match start failures against these.
const (
	CodeThrottling            = "ThrottlingException"
	CodeLimitExceeded         = "LimitExceededException"
	CodeInternalServerError   = "InternalServerError"
	CodeProvisionedThroughput = "ProvisionedThroughputExceededException"
	CodeInvalidParameter      = "InvalidParameterException"
	CodeInvalidJobID          = "InvalidJobIdException"
	CodeAccessDenied          = "AccessDeniedException"
)

// Manifest describes one document-analysis request. Exactly one of
// DocumentLocation (a reference the provider fetches) or Payload (inline
// structured input) must be set.
type Manifest struct {
	DocumentLocation string         `json:"documentLocation,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Features         []string       `json:"features,omitempty"`
	OutputLocation   string         `json:"outputLocation,omitempty"`
}

// Validate checks the manifest shape independent of any service policy.
func (m Manifest) Validate() error {
	hasDoc := m.DocumentLocation != ""
	hasPayload := len(m.Payload) > 0
	switch {
	case !hasDoc && !hasPayload:
		return apperrors.Validation("manifest", "either documentLocation or payload is required")
	case hasDoc && hasPayload:
		return apperrors.Validation("manifest", "documentLocation and payload are mutually exclusive")
	}
	for _, f := range m.Features {
		if f == "" {
			return apperrors.Validation("features", "feature names must not be empty")
		}
	}
	return nil
}

// StartRequest is the provider-facing start call.
type StartRequest struct {
	Manifest    Manifest
	ClientToken string // idempotency token passed through to the provider
	NotifyURL   string // webhook the provider posts the completion to
	Tag         string // opaque tag echoed back in the notification
}

// JobDescription is a point-in-time view of a provider job.
type JobDescription struct {
	JobID          string    `json:"jobId"`
	Status         JobStatus `json:"status"`
	StatusMessage  string    `json:"statusMessage,omitempty"`
	ResultLocation string    `json:"resultLocation,omitempty"`
	Pages          int       `json:"pages,omitempty"`
}

// Notification is the completion event a provider delivers when a job
// reaches a terminal status. Delivery is at-least-once; consumers must
// tolerate duplicates and unknown job IDs.
type Notification struct {
	JobID          string    `json:"jobId"`
	Status         JobStatus `json:"status"`
	StatusMessage  string    `json:"statusMessage,omitempty"`
	ResultLocation string    `json:"resultLocation,omitempty"`
	Pages          int       `json:"pages,omitempty"`
	Tag            string    `json:"tag,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Validate checks the notification carries enough to be correlated.
func (n Notification) Validate() error {
	if n.JobID == "" {
		return apperrors.Validation("jobId", "job ID is required")
	}
	if !n.Status.IsTerminal() {
		return apperrors.Validation("status", "completion status must be succeeded or failed")
	}
	return nil
}
