package correlation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docpipe/internal/apperrors"
)

var errClosed = errors.New("store closed")

// MemoryStore keeps records in a mutex-guarded map. It is the default
// backend for single-instance deployments and tests; records do not survive
// a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
	logger      *slog.Logger
}

// NewMemoryStore creates a memory-backed store and starts a janitor that
// physically removes expired records every sweepInterval.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		records:     make(map[string]Record),
		stopJanitor: cancel,
		janitorDone: make(chan struct{}),
		logger:      slog.With("component", "correlation.memory"),
	}
	go s.runJanitor(ctx, sweepInterval)
	return s
}

// Put inserts a record. A live record under the same job ID is a conflict;
// an expired leftover is silently replaced.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.Unavailable("correlation.Put", errClosed)
	}
	if existing, ok := s.records[rec.JobID]; ok && !existing.Expired(time.Now()) {
		return apperrors.Conflict("correlation record", rec.JobID, "job ID already registered")
	}
	s.records[rec.JobID] = rec
	return nil
}

// GetAndClear atomically removes and returns the record for jobID. Expired
// records are treated as absent and dropped on the spot.
func (s *MemoryStore) GetAndClear(ctx context.Context, jobID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, apperrors.Unavailable("correlation.GetAndClear", errClosed)
	}
	rec, ok := s.records[jobID]
	if !ok {
		return Record{}, apperrors.NotFound("correlation record", jobID)
	}
	delete(s.records, jobID)
	if rec.Expired(time.Now()) {
		return Record{}, apperrors.NotFound("correlation record", jobID)
	}
	return rec, nil
}

// Ping reports whether the store accepts calls.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.Unavailable("correlation.Ping", errClosed)
	}
	return nil
}

// Close stops the janitor and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopJanitor()
	<-s.janitorDone
	return nil
}

func (s *MemoryStore) runJanitor(ctx context.Context, interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweepExpired(time.Now()); n > 0 {
				s.logger.Debug("swept expired correlation records", "count", n)
			}
		}
	}
}

func (s *MemoryStore) sweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n
}
