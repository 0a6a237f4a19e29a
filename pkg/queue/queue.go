// Package queue implements the durable, lease-based work queue backing
// bundle builds and rehydrations. Jobs live in PostgreSQL; lease
// acquisition uses FOR UPDATE SKIP LOCKED so workers contend on a single
// row, and retries back off exponentially with full jitter.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/lib/pq"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/ids"
)

// ErrLeaseLost is returned by Heartbeat and Complete when another worker
// has taken over the job.
var ErrLeaseLost = errors.New("queue: lease lost")

// Defaults.
const (
	DefaultMaxAttempts  = 5
	DefaultTerminalTTL  = 24 * time.Hour
	backoffBase         = time.Second
	backoffCap          = 5 * time.Minute
)

// Store is the PostgreSQL-backed queue.
type Store struct {
	db          *sql.DB
	now         func() time.Time
	terminalTTL time.Duration
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id           TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		payload          BYTEA,
		idempotency_key  TEXT,
		status           TEXT NOT NULL DEFAULT 'pending',
		lease_owner      TEXT,
		lease_expires_at TIMESTAMPTZ,
		attempts         INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL,
		next_visible_at  TIMESTAMPTZ NOT NULL,
		last_error       TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_idx
		ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS jobs_visible_idx
		ON jobs (kind, status, next_visible_at)`,
}

// New creates the store and migrates its schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }, terminalTTL: DefaultTerminalTTL}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, faults.Unavailablef("queue: migrate: %v", err)
		}
	}
	return s, nil
}

// Enqueue inserts a job. If idempotencyKey matches an existing
// non-terminal job, or a terminal one within the TTL, the existing job id
// is returned and nothing is inserted.
func (s *Store) Enqueue(ctx context.Context, kind contracts.JobKind, payload []byte, idempotencyKey string) (string, error) {
	now := s.now()
	if idempotencyKey != "" {
		if id, ok, err := s.lookupIdempotent(ctx, idempotencyKey, now); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	jobID := ids.New()
	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, kind, payload, idempotency_key, status, attempts,
		                  max_attempts, next_visible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $6, $6)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		jobID, string(kind), payload, key, DefaultMaxAttempts, now)
	if err != nil {
		return "", faults.Unavailablef("queue: enqueue: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && idempotencyKey != "" {
		// Lost the race to a concurrent enqueue with the same key.
		if id, ok, err := s.lookupIdempotent(ctx, idempotencyKey, now); err == nil && ok {
			return id, nil
		}
	}
	return jobID, nil
}

func (s *Store) lookupIdempotent(ctx context.Context, key string, now time.Time) (string, bool, error) {
	var id string
	var status string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, updated_at FROM jobs WHERE idempotency_key = $1`,
		key).Scan(&id, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, faults.Unavailablef("queue: idempotency lookup: %v", err)
	}
	if contracts.JobStatus(status).Terminal() && now.Sub(updatedAt) > s.terminalTTL {
		return "", false, nil
	}
	return id, true, nil
}

// Lease atomically claims the oldest visible job of one of the given
// kinds. Returns nil when nothing is visible.
func (s *Store) Lease(ctx context.Context, kinds []contracts.JobKind, worker string, leaseTTL time.Duration) (*contracts.Job, error) {
	now := s.now()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'leased',
			lease_owner = $1,
			lease_expires_at = $2,
			attempts = attempts + 1,
			updated_at = $3
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE kind = ANY($4)
			  AND next_visible_at <= $3
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at <= $3))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, kind, payload, COALESCE(idempotency_key, ''), status,
		          lease_owner, lease_expires_at, attempts, max_attempts,
		          next_visible_at, COALESCE(last_error, ''), created_at, updated_at`,
		worker, now.Add(leaseTTL), now, pq.Array(names))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Unavailablef("queue: lease: %v", err)
	}
	return job, nil
}

// Heartbeat extends the lease iff worker still owns it.
func (s *Store) Heartbeat(ctx context.Context, jobID, worker string, leaseTTL time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $1, updated_at = $2
		WHERE job_id = $3 AND lease_owner = $4 AND status = 'leased'`,
		now.Add(leaseTTL), now, jobID, worker)
	if err != nil {
		return faults.Unavailablef("queue: heartbeat: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete finishes an attempt. A nil outcome transitions to succeeded.
// A retriable outcome schedules the next attempt with backoff, or dead
// once max_attempts is exhausted. Non-retriable outcomes go straight to
// dead.
func (s *Store) Complete(ctx context.Context, job *contracts.Job, worker string, outcome error) error {
	now := s.now()
	if outcome == nil {
		return s.finish(ctx, job.JobID, worker, "succeeded", "", now)
	}
	if !faults.Retriable(outcome) || job.Attempts >= job.MaxAttempts {
		return s.finish(ctx, job.JobID, worker, "dead", outcome.Error(), now)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL,
			next_visible_at = $1, last_error = $2, updated_at = $3
		WHERE job_id = $4 AND lease_owner = $5 AND status = 'leased'`,
		now.Add(Backoff(job.Attempts)), outcome.Error(), now, job.JobID, worker)
	if err != nil {
		return faults.Unavailablef("queue: retry schedule: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Store) finish(ctx context.Context, jobID, worker, status, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, last_error = NULLIF($2, ''), lease_owner = NULL,
			lease_expires_at = NULL, updated_at = $3
		WHERE job_id = $4 AND lease_owner = $5 AND status = 'leased'`,
		status, lastError, now, jobID, worker)
	if err != nil {
		return faults.Unavailablef("queue: complete: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Cancel removes a job that has not started. Only pending jobs can be
// cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'dead', last_error = 'cancelled by operator', updated_at = $1
		WHERE job_id = $2 AND status = 'pending'`,
		s.now(), jobID)
	if err != nil {
		return faults.Unavailablef("queue: cancel: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Conflictf("queue: job %s is not pending", jobID)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*contracts.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, kind, payload, COALESCE(idempotency_key, ''), status,
		       lease_owner, lease_expires_at, attempts, max_attempts,
		       next_visible_at, COALESCE(last_error, ''), created_at, updated_at
		FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("queue: no such job %s", jobID)
	}
	if err != nil {
		return nil, faults.Unavailablef("queue: get: %v", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*contracts.Job, error) {
	var j contracts.Job
	var kind, status string
	var leaseOwner sql.NullString
	var leaseExpires sql.NullTime
	err := row.Scan(&j.JobID, &kind, &j.Payload, &j.IdempotencyKey, &status,
		&leaseOwner, &leaseExpires, &j.Attempts, &j.MaxAttempts,
		&j.NextVisibleAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = contracts.JobKind(kind)
	j.Status = contracts.JobStatus(status)
	j.LeaseOwner = leaseOwner.String
	j.LeaseExpiresAt = leaseExpires.Time
	return &j, nil
}

// Backoff returns the full-jitter retry delay for attempt n:
// rand(0, min(cap, base·2ⁿ)).
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	ceiling := backoffBase << uint(attempts)
	if ceiling > backoffCap {
		ceiling = backoffCap
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
