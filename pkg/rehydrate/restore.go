package rehydrate

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// Restorer reconciles verified bundles into the local graph schema.
type Restorer struct {
	db     *sql.DB
	pub    *rsa.PublicKey
	audit  *audit.Logger
	now    func() time.Time
	logger *slog.Logger
}

// NewRestorer wires a restorer. pub is the trust root for manifests.
func NewRestorer(db *sql.DB, pub *rsa.PublicKey, auditLog *audit.Logger) *Restorer {
	return &Restorer{
		db:     db,
		pub:    pub,
		audit:  auditLog,
		now:    time.Now,
		logger: slog.Default().With("component", "rehydrate"),
	}
}

const satisfiedMigration = `CREATE TABLE IF NOT EXISTS rehydrated_bundles (
	merkle_root   TEXT PRIMARY KEY,
	incident_id   TEXT NOT NULL,
	rehydrated_at TIMESTAMPTZ NOT NULL
)`

// Migrate creates the replay-tracking table.
func (r *Restorer) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, satisfiedMigration); err != nil {
		return faults.Unavailablef("rehydrate: migrate: %v", err)
	}
	return nil
}

// Rehydrate verifies the bundle at dir and restores it in one
// transaction. Verification failure aborts with an audit record before
// any write; restoring the same bundle twice is a no-op.
func (r *Restorer) Rehydrate(ctx context.Context, dir string) error {
	m, err := Verify(dir, r.pub)
	if err != nil {
		r.audit.Append(ctx, audit.KindRehydrateAbort, "rehydrator", dir, map[string]any{
			"error": err.Error(), "code": faults.Code(err),
		})
		return err
	}

	compression := m.Algorithms.Compression
	entities, err := readNDJSON[contracts.Entity](dir, "entities.ndjson", compression)
	if err != nil {
		return err
	}
	edges, err := readNDJSON[contracts.Edge](dir, "edges.ndjson", compression)
	if err != nil {
		return err
	}
	alerts, err := readNDJSON[contracts.Alert](dir, "alerts.ndjson", compression)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	incidentID := m.Scope.IncidentID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Unavailablef("rehydrate: begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Replay guard keyed by merkle root: the same bytes restore once.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO rehydrated_bundles (merkle_root, incident_id, rehydrated_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		m.MerkleRoot, incidentID, now)
	if err != nil {
		return faults.Unavailablef("rehydrate: replay guard: %v", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		r.logger.InfoContext(ctx, "bundle already rehydrated", "merkle_root", m.MerkleRoot)
		return tx.Commit()
	}

	first, last := window(entities, now)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incidents (incident_id, tenant_id, score, first_seen, last_seen, last_mutated)
		 VALUES ($1, $2, 0, $3, $4, $5)
		 ON CONFLICT (incident_id) DO UPDATE SET
		   first_seen   = LEAST(incidents.first_seen, EXCLUDED.first_seen),
		   last_seen    = GREATEST(incidents.last_seen, EXCLUDED.last_seen),
		   last_mutated = EXCLUDED.last_mutated`,
		incidentID, tenantOf(alerts), first, last, now); err != nil {
		return faults.Unavailablef("rehydrate: upsert incident: %v", err)
	}

	for _, ent := range entities {
		// A node already correlated locally keeps its incident; only
		// new nodes adopt the bundle's.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_nodes (entity_id, type, value, first_seen, last_seen, incident_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (entity_id) DO UPDATE SET
			   first_seen = LEAST(graph_nodes.first_seen, EXCLUDED.first_seen),
			   last_seen  = GREATEST(graph_nodes.last_seen, EXCLUDED.last_seen)`,
			ent.ID, string(ent.Type), ent.Value, ent.FirstSeen, ent.LastSeen, incidentID); err != nil {
			return faults.Unavailablef("rehydrate: upsert entity %s: %v", ent.ID, err)
		}
	}

	for _, edge := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_edges (src_id, dst_id, relation, first_seen, last_seen)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (src_id, dst_id, relation) DO UPDATE SET
			   first_seen = LEAST(graph_edges.first_seen, EXCLUDED.first_seen),
			   last_seen  = GREATEST(graph_edges.last_seen, EXCLUDED.last_seen)`,
			edge.SrcID, edge.DstID, edge.Relation, edge.FirstSeen, edge.LastSeen); err != nil {
			return faults.Unavailablef("rehydrate: upsert edge %s-%s: %v", edge.SrcID, edge.DstID, err)
		}
	}

	for _, a := range alerts {
		entJSON, err := json.Marshal(a.Entities)
		if err != nil {
			return faults.Validationf("rehydrate: alert %s entities: %v", a.AlertID, err)
		}
		srcJSON, err := json.Marshal(a.SourceEvents)
		if err != nil {
			return faults.Validationf("rehydrate: alert %s sources: %v", a.AlertID, err)
		}
		// Restored alerts never suppress fresh local detections, so
		// their window is already expired on arrival.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alerts (alert_id, tenant_id, policy_id, severity, status, dedup_key,
			                     hit_count, entities, source_events, suppress_until, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (alert_id) DO NOTHING`,
			a.AlertID, a.TenantID, a.PolicyID, a.Severity.String(), string(a.Status), a.DedupKey,
			a.HitCount, entJSON, srcJSON, a.CreatedAt, a.CreatedAt, a.UpdatedAt); err != nil {
			return faults.Unavailablef("rehydrate: upsert alert %s: %v", a.AlertID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO incident_alerts (incident_id, alert_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			incidentID, a.AlertID); err != nil {
			return faults.Unavailablef("rehydrate: link alert %s: %v", a.AlertID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return faults.Unavailablef("rehydrate: commit: %v", err)
	}
	r.logger.InfoContext(ctx, "bundle rehydrated",
		"incident_id", incidentID, "merkle_root", m.MerkleRoot,
		"entities", len(entities), "edges", len(edges), "alerts", len(alerts))
	return nil
}

func window(entities []contracts.Entity, fallback time.Time) (first, last time.Time) {
	first, last = fallback, fallback
	for i, ent := range entities {
		if i == 0 || ent.FirstSeen.Before(first) {
			first = ent.FirstSeen
		}
		if i == 0 || ent.LastSeen.After(last) {
			last = ent.LastSeen
		}
	}
	return first, last
}

func tenantOf(alerts []contracts.Alert) string {
	if len(alerts) > 0 {
		return alerts[0].TenantID
	}
	return ""
}

// Fetcher materializes stored bundles; the bundle store implements it.
type Fetcher interface {
	Fetch(ctx context.Context, bundleID, destDir string) error
}

// Handler returns the rehydrate_bundle queue handler. The payload's
// bundle_path is either a local directory or a bundle id resolvable
// through the store.
func Handler(r *Restorer, store Fetcher) func(ctx context.Context, job *contracts.Job) error {
	return func(ctx context.Context, job *contracts.Job) error {
		var payload contracts.RehydratePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return faults.Validationf("rehydrate: job payload: %v", err)
		}
		if payload.BundlePath == "" {
			return faults.Validationf("rehydrate: job missing bundle_path")
		}
		if info, err := os.Stat(payload.BundlePath); err == nil && info.IsDir() {
			return r.Rehydrate(ctx, payload.BundlePath)
		}
		if store == nil {
			return faults.Validationf("rehydrate: %s is not a directory and no bundle store is configured", payload.BundlePath)
		}
		tmp, err := os.MkdirTemp("", "rehydrate-*")
		if err != nil {
			return faults.Unavailablef("rehydrate: temp dir: %v", err)
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		if err := store.Fetch(ctx, payload.BundlePath, tmp); err != nil {
			return err
		}
		return r.Rehydrate(ctx, tmp)
	}
}
