// Package correlation persists the link between a provider job and the
// suspended execution waiting on it. A record is written once when the job
// starts and consumed at most once when its completion arrives; consumption
// and TTL expiry are both terminal.
package correlation

import (
	"context"
	"time"

	"docpipe/internal/apperrors"
)

// Record correlates a provider job ID with the continuation that resumes
// the waiting execution.
type Record struct {
	JobID          string
	Token          string // continuation token; opaque outside the workflow engine
	ExecutionID    string
	OutputLocation string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the record is past its TTL at the given instant.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store is the single concurrency-control point of the callback protocol.
//
// Put inserts a record and fails with a conflict if a live record for the
// same job ID exists. GetAndClear atomically reads and deletes: under
// concurrent calls with the same job ID, exactly one caller receives the
// record and every other caller gets not-found. Records past their TTL are
// not-found even before a sweep physically removes them.
type Store interface {
	Put(ctx context.Context, rec Record) error
	GetAndClear(ctx context.Context, jobID string) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

func validateRecord(rec Record) error {
	if rec.JobID == "" {
		return apperrors.Validation("jobId", "job ID is required")
	}
	if rec.Token == "" {
		return apperrors.Validation("token", "continuation token is required")
	}
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		return apperrors.Validation("expiresAt", "record must expire after its creation time")
	}
	return nil
}
