package graph

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/ids"
)

// AlertSource resolves alert rows for incident materialization.
type AlertSource interface {
	GetByIDs(ctx context.Context, alertIDs []string) ([]contracts.Alert, error)
}

// Store persists the correlation graph in Postgres. All mutation for one
// alert happens in a single transaction; node upserts take row locks in
// sorted id order so concurrent Apply calls cannot deadlock.
type Store struct {
	db     *sql.DB
	alerts AlertSource
	now    func() time.Time
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		incident_id  TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		score        DOUBLE PRECISION NOT NULL DEFAULT 0,
		scored_at    TIMESTAMPTZ,
		first_seen   TIMESTAMPTZ NOT NULL,
		last_seen    TIMESTAMPTZ NOT NULL,
		last_mutated TIMESTAMPTZ NOT NULL,
		merged_into  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS incidents_tenant_idx ON incidents (tenant_id, last_mutated)`,
	`CREATE TABLE IF NOT EXISTS graph_nodes (
		entity_id   TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		value       TEXT NOT NULL,
		first_seen  TIMESTAMPTZ NOT NULL,
		last_seen   TIMESTAMPTZ NOT NULL,
		incident_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS graph_nodes_incident_idx ON graph_nodes (incident_id)`,
	`CREATE TABLE IF NOT EXISTS graph_edges (
		src_id     TEXT NOT NULL,
		dst_id     TEXT NOT NULL,
		relation   TEXT NOT NULL,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (src_id, dst_id, relation)
	)`,
	`CREATE TABLE IF NOT EXISTS incident_alerts (
		incident_id TEXT NOT NULL,
		alert_id    TEXT NOT NULL,
		PRIMARY KEY (incident_id, alert_id)
	)`,
	`CREATE INDEX IF NOT EXISTS incident_alerts_alert_idx ON incident_alerts (alert_id)`,
}

// NewStore runs migrations and returns the store.
func NewStore(ctx context.Context, db *sql.DB, alerts AlertSource) (*Store, error) {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, faults.Unavailablef("graph: migrate: %v", err)
		}
	}
	return &Store{db: db, alerts: alerts, now: time.Now}, nil
}

// Apply folds one alert into the graph: upserts its entities and
// co-occurrence edges, then assigns every touched entity to a single
// incident, merging incidents that the alert connects. Returns the id of
// the incident the alert now belongs to.
func (s *Store) Apply(ctx context.Context, a contracts.Alert) (string, error) {
	if len(a.Entities) == 0 {
		return "", faults.Validationf("graph: alert %s has no entities", a.AlertID)
	}
	seen := a.CreatedAt.UTC()
	now := s.now().UTC()

	entities := append([]contracts.Entity(nil), a.Entities...)
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", faults.Unavailablef("graph: begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Upsert nodes in sorted order; the upsert locks each row and hands
	// back its current incident membership.
	touched := map[string]bool{}
	for _, ent := range entities {
		var incidentID sql.NullString
		err := tx.QueryRowContext(ctx,
			`INSERT INTO graph_nodes (entity_id, type, value, first_seen, last_seen, incident_id)
			 VALUES ($1, $2, $3, $4, $4, NULL)
			 ON CONFLICT (entity_id) DO UPDATE SET
			   first_seen = LEAST(graph_nodes.first_seen, EXCLUDED.first_seen),
			   last_seen  = GREATEST(graph_nodes.last_seen, EXCLUDED.last_seen)
			 RETURNING incident_id`,
			ent.ID, string(ent.Type), ent.Value, seen).Scan(&incidentID)
		if err != nil {
			return "", faults.Unavailablef("graph: upsert node %s: %v", ent.ID, err)
		}
		if incidentID.Valid {
			touched[incidentID.String] = true
		}
	}

	incidents, err := lockIncidents(ctx, tx, touched)
	if err != nil {
		return "", err
	}

	var survivor contracts.Incident
	switch len(incidents) {
	case 0:
		survivor = contracts.Incident{
			IncidentID:  ids.New(),
			TenantID:    a.TenantID,
			FirstSeen:   seen,
			LastSeen:    seen,
			LastMutated: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO incidents (incident_id, tenant_id, score, first_seen, last_seen, last_mutated)
			 VALUES ($1, $2, 0, $3, $4, $5)`,
			survivor.IncidentID, survivor.TenantID, survivor.FirstSeen, survivor.LastSeen, survivor.LastMutated); err != nil {
			return "", faults.Unavailablef("graph: insert incident: %v", err)
		}
	default:
		survivor = Survivor(incidents)
		for _, inc := range incidents {
			if inc.IncidentID == survivor.IncidentID {
				continue
			}
			if err := absorb(ctx, tx, inc.IncidentID, survivor.IncidentID, now); err != nil {
				return "", err
			}
		}
		first, last := MergeWindow(incidents)
		if seen.Before(first) {
			first = seen
		}
		if seen.After(last) {
			last = seen
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE incidents SET first_seen = $2, last_seen = $3, last_mutated = $4
			 WHERE incident_id = $1`,
			survivor.IncidentID, first, last, now); err != nil {
			return "", faults.Unavailablef("graph: update incident window: %v", err)
		}
	}

	entityIDs := make([]string, len(entities))
	for i, ent := range entities {
		entityIDs[i] = ent.ID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE graph_nodes SET incident_id = $1 WHERE entity_id = ANY($2)`,
		survivor.IncidentID, pq.Array(entityIDs)); err != nil {
		return "", faults.Unavailablef("graph: assign nodes: %v", err)
	}

	for _, edge := range Pairs(entities, seen) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_edges (src_id, dst_id, relation, first_seen, last_seen)
			 VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (src_id, dst_id, relation) DO UPDATE SET
			   first_seen = LEAST(graph_edges.first_seen, EXCLUDED.first_seen),
			   last_seen  = GREATEST(graph_edges.last_seen, EXCLUDED.last_seen)`,
			edge.SrcID, edge.DstID, edge.Relation, seen); err != nil {
			return "", faults.Unavailablef("graph: upsert edge: %v", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incident_alerts (incident_id, alert_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		survivor.IncidentID, a.AlertID); err != nil {
		return "", faults.Unavailablef("graph: link alert: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return "", faults.Unavailablef("graph: commit: %v", err)
	}
	return survivor.IncidentID, nil
}

func lockIncidents(ctx context.Context, tx *sql.Tx, idSet map[string]bool) ([]contracts.Incident, error) {
	if len(idSet) == 0 {
		return nil, nil
	}
	list := make([]string, 0, len(idSet))
	for id := range idSet {
		list = append(list, id)
	}
	sort.Strings(list)

	rows, err := tx.QueryContext(ctx,
		incidentSelect+` WHERE incident_id = ANY($1) AND merged_into IS NULL
		 ORDER BY incident_id FOR UPDATE`,
		pq.Array(list))
	if err != nil {
		return nil, faults.Unavailablef("graph: lock incidents: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, faults.Unavailablef("graph: scan incident: %v", err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Unavailablef("graph: lock incidents: %v", err)
	}
	return out, nil
}

// absorb freezes one incident into the survivor and reassigns its
// membership. The frozen row keeps its score history; merged_into makes
// it a tombstone pointer.
func absorb(ctx context.Context, tx *sql.Tx, absorbed, survivor string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE incidents SET merged_into = $2, last_mutated = $3 WHERE incident_id = $1`,
		absorbed, survivor, now); err != nil {
		return faults.Unavailablef("graph: freeze incident %s: %v", absorbed, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE graph_nodes SET incident_id = $2 WHERE incident_id = $1`,
		absorbed, survivor); err != nil {
		return faults.Unavailablef("graph: reassign nodes of %s: %v", absorbed, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE incident_alerts ia SET incident_id = $2
		 WHERE ia.incident_id = $1
		   AND NOT EXISTS (SELECT 1 FROM incident_alerts d
		                   WHERE d.incident_id = $2 AND d.alert_id = ia.alert_id)`,
		absorbed, survivor); err != nil {
		return faults.Unavailablef("graph: reassign alerts of %s: %v", absorbed, err)
	}
	return nil
}

// SetScore records a scoring result. scored_at is monotonic per
// incident: a result computed against an older graph state than the one
// already recorded is discarded. Returns whether the score was applied.
func (s *Store) SetScore(ctx context.Context, incidentID string, score float64, scoredAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET score = $2, scored_at = $3
		 WHERE incident_id = $1 AND merged_into IS NULL
		   AND (scored_at IS NULL OR scored_at < $3)`,
		incidentID, score, scoredAt)
	if err != nil {
		return false, faults.Unavailablef("graph: set score: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Unavailablef("graph: set score: %v", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetIncidentRow(ctx, incidentID); err != nil {
		return false, err
	}
	return false, nil
}

// GetIncidentRow loads just the incident record.
func (s *Store) GetIncidentRow(ctx context.Context, incidentID string) (*contracts.Incident, error) {
	row := s.db.QueryRowContext(ctx, incidentSelect+` WHERE incident_id = $1`, incidentID)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("incident %s", incidentID)
	}
	if err != nil {
		return nil, faults.Unavailablef("graph: get incident: %v", err)
	}
	return inc, nil
}

// GetIncident materializes an incident with its nodes, edges, and
// alerts. A frozen incident returns only its record; callers follow
// MergedInto for the live graph.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*contracts.IncidentGraph, error) {
	inc, err := s.GetIncidentRow(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	g := &contracts.IncidentGraph{Incident: *inc}
	if inc.Frozen() {
		return g, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, type, value, first_seen, last_seen
		 FROM graph_nodes WHERE incident_id = $1 ORDER BY entity_id`,
		incidentID)
	if err != nil {
		return nil, faults.Unavailablef("graph: load nodes: %v", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			ent contracts.Entity
			typ string
		)
		if err := rows.Scan(&ent.ID, &typ, &ent.Value, &ent.FirstSeen, &ent.LastSeen); err != nil {
			return nil, faults.Unavailablef("graph: scan node: %v", err)
		}
		ent.Type = contracts.EntityType(typ)
		g.Nodes = append(g.Nodes, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Unavailablef("graph: load nodes: %v", err)
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT e.src_id, e.dst_id, e.relation, e.first_seen, e.last_seen
		 FROM graph_edges e
		 JOIN graph_nodes a ON e.src_id = a.entity_id
		 JOIN graph_nodes b ON e.dst_id = b.entity_id
		 WHERE a.incident_id = $1 AND b.incident_id = $1
		 ORDER BY e.src_id, e.dst_id`,
		incidentID)
	if err != nil {
		return nil, faults.Unavailablef("graph: load edges: %v", err)
	}
	defer func() { _ = edgeRows.Close() }()
	for edgeRows.Next() {
		var edge contracts.Edge
		if err := edgeRows.Scan(&edge.SrcID, &edge.DstID, &edge.Relation, &edge.FirstSeen, &edge.LastSeen); err != nil {
			return nil, faults.Unavailablef("graph: scan edge: %v", err)
		}
		g.Edges = append(g.Edges, edge)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, faults.Unavailablef("graph: load edges: %v", err)
	}

	alertIDs, err := s.AlertIDs(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if s.alerts != nil && len(alertIDs) > 0 {
		g.Alerts, err = s.alerts.GetByIDs(ctx, alertIDs)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AlertIDs lists the alerts folded into an incident.
func (s *Store) AlertIDs(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id FROM incident_alerts WHERE incident_id = $1 ORDER BY alert_id`,
		incidentID)
	if err != nil {
		return nil, faults.Unavailablef("graph: alert ids: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, faults.Unavailablef("graph: alert ids scan: %v", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListIncidents returns live incidents for a tenant, most recently
// mutated first.
func (s *Store) ListIncidents(ctx context.Context, tenantID string, limit int) ([]contracts.Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		incidentSelect+` WHERE tenant_id = $1 AND merged_into IS NULL
		 ORDER BY last_mutated DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, faults.Unavailablef("graph: list incidents: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, faults.Unavailablef("graph: list scan: %v", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

const incidentSelect = `SELECT incident_id, tenant_id, score, scored_at,
	first_seen, last_seen, last_mutated, merged_into FROM incidents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*contracts.Incident, error) {
	var (
		inc        contracts.Incident
		scoredAt   sql.NullTime
		mergedInto sql.NullString
	)
	if err := row.Scan(&inc.IncidentID, &inc.TenantID, &inc.Score, &scoredAt,
		&inc.FirstSeen, &inc.LastSeen, &inc.LastMutated, &mergedInto); err != nil {
		return nil, err
	}
	if scoredAt.Valid {
		inc.ScoredAt = scoredAt.Time
	}
	if mergedInto.Valid {
		inc.MergedInto = mergedInto.String
	}
	return &inc, nil
}
