package correlation

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"docpipe/internal/apperrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS correlation_records (
	job_id          TEXT PRIMARY KEY,
	token           TEXT NOT NULL,
	execution_id    TEXT NOT NULL,
	output_location TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_correlation_expires ON correlation_records(expires_at);
`

// SQLiteStore is the durable store backend. The atomic consume is a single
// DELETE .. RETURNING statement, so correctness does not depend on
// transactions or in-process locks.
type SQLiteStore struct {
	db   *sql.DB
	path string

	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
	logger      *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and starts
// a sweeper that physically removes expired records every sweepInterval.
func NewSQLiteStore(path string, sweepInterval time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperrors.Internal("sqlite.open", err)
		}
	}

	// WAL keeps readers unblocked during writes; busy_timeout retries
	// instead of surfacing SQLITE_BUSY under contention.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Internal("sqlite.open", err)
	}
	// A single connection serializes the consume path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Internal("sqlite.schema", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:          db,
		path:        path,
		stopSweeper: cancel,
		sweeperDone: make(chan struct{}),
		logger:      slog.With("component", "correlation.sqlite"),
	}
	go s.runSweeper(ctx, sweepInterval)
	return s, nil
}

// Put inserts a record. A live record under the same job ID is a conflict;
// an expired leftover row is overwritten in place.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO correlation_records (job_id, token, execution_id, output_location, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			token = excluded.token,
			execution_id = excluded.execution_id,
			output_location = excluded.output_location,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE correlation_records.expires_at <= ?
	`, rec.JobID, rec.Token, rec.ExecutionID, rec.OutputLocation,
		rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return apperrors.Internal("sqlite.Put", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("sqlite.Put", err)
	}
	if n == 0 {
		return apperrors.Conflict("correlation record", rec.JobID, "job ID already registered")
	}
	return nil
}

// GetAndClear atomically removes and returns the record for jobID. Expired
// rows are excluded by predicate, so they read as not-found even before the
// sweeper drops them.
func (s *SQLiteStore) GetAndClear(ctx context.Context, jobID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM correlation_records
		WHERE job_id = ? AND expires_at > ?
		RETURNING token, execution_id, output_location, created_at, expires_at
	`, jobID, time.Now().UnixNano())

	rec := Record{JobID: jobID}
	var createdAt, expiresAt int64
	if err := row.Scan(&rec.Token, &rec.ExecutionID, &rec.OutputLocation, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, apperrors.NotFound("correlation record", jobID)
		}
		return Record{}, apperrors.Internal("sqlite.GetAndClear", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.ExpiresAt = time.Unix(0, expiresAt)
	return rec, nil
}

// Ping verifies the database file is reachable and writable enough to serve.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Unavailable("sqlite.Ping", err)
	}
	return nil
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	s.stopSweeper()
	<-s.sweeperDone
	return s.db.Close()
}

func (s *SQLiteStore) runSweeper(ctx context.Context, interval time.Duration) {
	defer close(s.sweeperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweepExpired(ctx, time.Now())
			if err != nil {
				s.logger.Warn("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("swept expired correlation records", "count", n)
			}
		}
	}
}

func (s *SQLiteStore) sweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM correlation_records WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
