package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// DefaultDedupWindow is how long an event fingerprint suppresses
// identical re-submissions.
const DefaultDedupWindow = 60 * time.Second

// PGStore persists admitted events and alerts in Postgres.
type PGStore struct {
	db          *sql.DB
	dedupWindow time.Duration
}

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id    TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		kind        TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		payload     JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_fingerprint_time_idx ON events (fingerprint, received_at DESC)`,
	`CREATE INDEX IF NOT EXISTS events_tenant_time_idx ON events (tenant_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id       TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		policy_id      TEXT NOT NULL,
		severity       TEXT NOT NULL,
		status         TEXT NOT NULL,
		dedup_key      TEXT NOT NULL,
		hit_count      BIGINT NOT NULL DEFAULT 1,
		entities       JSONB NOT NULL,
		source_events  JSONB NOT NULL,
		suppress_until TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_dedup_idx ON alerts (dedup_key, suppress_until)`,
	`CREATE INDEX IF NOT EXISTS alerts_tenant_status_idx ON alerts (tenant_id, status, created_at)`,
}

// NewPGStore runs migrations and returns the store. dedupWindow bounds
// fingerprint suppression; zero or negative means the default 60 s.
func NewPGStore(ctx context.Context, db *sql.DB, dedupWindow time.Duration) (*PGStore, error) {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	for _, stmt := range pgMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, faults.Unavailablef("alert: migrate: %v", err)
		}
	}
	return &PGStore{db: db, dedupWindow: dedupWindow}, nil
}

// AdmitEvent inserts the event unless its fingerprint was seen within
// the dedup window. Returns false for duplicates without error; the
// event body of a duplicate is discarded. Once the window passes, the
// same fingerprint is admitted again as a new event.
func (s *PGStore) AdmitEvent(ctx context.Context, e contracts.Event, fingerprint string) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, faults.Validationf("alert: encode payload: %v", err)
	}
	cutoff := e.ReceivedAt - s.dedupWindow.Milliseconds()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, fingerprint, tenant_id, agent_id, kind, occurred_at, received_at, payload)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8
		 WHERE NOT EXISTS (
		 	SELECT 1 FROM events WHERE fingerprint = $2 AND received_at > $9
		 )
		 ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, fingerprint, e.TenantID, e.AgentID, string(e.Kind),
		e.OccurredAt, e.ReceivedAt, payload, cutoff)
	if err != nil {
		return false, faults.Unavailablef("alert: admit event: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Unavailablef("alert: admit event: %v", err)
	}
	return n == 1, nil
}

// EventIDByFingerprint resolves the most recently admitted event
// holding a fingerprint, so duplicate submissions can be answered with
// the original event id.
func (s *PGStore) EventIDByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id FROM events WHERE fingerprint = $1
		 ORDER BY received_at DESC LIMIT 1`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", faults.NotFoundf("alert: no event with fingerprint %s", fingerprint)
	}
	if err != nil {
		return "", faults.Unavailablef("alert: fingerprint lookup: %v", err)
	}
	return id, nil
}

// Insert stores a freshly opened alert.
func (s *PGStore) Insert(ctx context.Context, a *contracts.Alert, suppressUntil time.Time) error {
	entities, err := json.Marshal(a.Entities)
	if err != nil {
		return faults.Validationf("alert: encode entities: %v", err)
	}
	sources, err := json.Marshal(a.SourceEvents)
	if err != nil {
		return faults.Validationf("alert: encode source events: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, tenant_id, policy_id, severity, status, dedup_key,
		                     hit_count, entities, source_events, suppress_until, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.AlertID, a.TenantID, a.PolicyID, a.Severity.String(), string(a.Status), a.DedupKey,
		a.HitCount, entities, sources, suppressUntil, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return faults.Unavailablef("alert: insert: %v", err)
	}
	return nil
}

// FindActive returns the open alert holding dedupKey whose suppression
// window covers now, or nil.
func (s *PGStore) FindActive(ctx context.Context, dedupKey string, now time.Time) (*contracts.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		alertSelect+` WHERE dedup_key = $1 AND status = $2 AND suppress_until > $3
		 ORDER BY created_at DESC LIMIT 1`,
		dedupKey, string(contracts.StatusOpen), now)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Unavailablef("alert: find active: %v", err)
	}
	return a, nil
}

// RecordHit folds a suppressed duplicate into an existing alert:
// increments hit_count and appends the event id to source_events.
func (s *PGStore) RecordHit(ctx context.Context, alertID, eventID string, now time.Time) (int64, error) {
	var hits int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE alerts
		 SET hit_count = hit_count + 1,
		     source_events = source_events || to_jsonb($2::text),
		     updated_at = $3
		 WHERE alert_id = $1
		 RETURNING hit_count`,
		alertID, eventID, now).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, faults.NotFoundf("alert %s", alertID)
	}
	if err != nil {
		return 0, faults.Unavailablef("alert: record hit: %v", err)
	}
	return hits, nil
}

// Get loads one alert.
func (s *PGStore) Get(ctx context.Context, alertID string) (*contracts.Alert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE alert_id = $1`, alertID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("alert %s", alertID)
	}
	if err != nil {
		return nil, faults.Unavailablef("alert: get: %v", err)
	}
	return a, nil
}

// UpdateStatus applies from→to with a compare-and-set on the current
// status; zero rows means a concurrent transition won.
func (s *PGStore) UpdateStatus(ctx context.Context, alertID string, from, to contracts.AlertStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $1, updated_at = $2 WHERE alert_id = $3 AND status = $4`,
		string(to), now, alertID, string(from))
	if err != nil {
		return faults.Unavailablef("alert: update status: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return faults.Unavailablef("alert: update status: %v", err)
	}
	if n == 0 {
		return faults.Conflictf("alert %s is no longer %s", alertID, from)
	}
	return nil
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	TenantID string
	Status   contracts.AlertStatus
	PolicyID string
	Severity string
	Limit    int
	Offset   int
}

// List returns alerts newest first.
func (s *PGStore) List(ctx context.Context, f ListFilter) ([]contracts.Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.PolicyID != "" {
		add("policy_id = $%d", f.PolicyID)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	q := alertSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.Unavailablef("alert: list: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, faults.Unavailablef("alert: list scan: %v", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Unavailablef("alert: list: %v", err)
	}
	return out, nil
}

// EventIDs resolves the raw events backing an alert, serving the alert
// evidence endpoint.
func (s *PGStore) EventIDs(ctx context.Context, alertID string) ([]string, error) {
	a, err := s.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return a.SourceEvents, nil
}

// GetEvents loads raw events by id, preserving input order for the ids
// that exist.
func (s *PGStore) GetEvents(ctx context.Context, eventIDs []string) ([]contracts.Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, tenant_id, agent_id, kind, occurred_at, received_at, payload
		 FROM events WHERE event_id = ANY($1)`,
		pq.Array(eventIDs))
	if err != nil {
		return nil, faults.Unavailablef("alert: get events: %v", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]contracts.Event, len(eventIDs))
	for rows.Next() {
		var (
			e       contracts.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.EventID, &e.TenantID, &e.AgentID, &kind, &e.OccurredAt, &e.ReceivedAt, &payload); err != nil {
			return nil, faults.Unavailablef("alert: get events scan: %v", err)
		}
		e.Kind = contracts.EventKind(kind)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, faults.Integrityf("alert: event %s payload corrupt: %v", e.EventID, err)
		}
		byID[e.EventID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Unavailablef("alert: get events: %v", err)
	}
	out := make([]contracts.Event, 0, len(byID))
	for _, id := range eventIDs {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetByIDs loads alerts by id, newest first.
func (s *PGStore) GetByIDs(ctx context.Context, alertIDs []string) ([]contracts.Alert, error) {
	if len(alertIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		alertSelect+` WHERE alert_id = ANY($1) ORDER BY created_at DESC`, pq.Array(alertIDs))
	if err != nil {
		return nil, faults.Unavailablef("alert: get by ids: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, faults.Unavailablef("alert: get by ids scan: %v", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Unavailablef("alert: get by ids: %v", err)
	}
	return out, nil
}

const alertSelect = `SELECT alert_id, tenant_id, policy_id, severity, status, dedup_key,
	hit_count, entities, source_events, created_at, updated_at FROM alerts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*contracts.Alert, error) {
	var (
		a        contracts.Alert
		severity string
		status   string
		entities []byte
		sources  []byte
	)
	if err := row.Scan(&a.AlertID, &a.TenantID, &a.PolicyID, &severity, &status, &a.DedupKey,
		&a.HitCount, &entities, &sources, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	sev, err := contracts.ParseSeverity(severity)
	if err != nil {
		return nil, err
	}
	a.Severity = sev
	a.Status = contracts.AlertStatus(status)
	if err := json.Unmarshal(entities, &a.Entities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sources, &a.SourceEvents); err != nil {
		return nil, err
	}
	return &a, nil
}
