package contracts

import (
	"time"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/ids"
)

// EntityType enumerates the canonical real-world object kinds.
type EntityType string

const (
	EntityHost     EntityType = "host"
	EntityIP       EntityType = "ip"
	EntityDomain   EntityType = "domain"
	EntityFileHash EntityType = "file_hash"
	EntityUser     EntityType = "user"
	EntityURL      EntityType = "url"
	EntityProcess  EntityType = "process"
)

// ParseEntityType validates an entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityHost, EntityIP, EntityDomain, EntityFileHash, EntityUser, EntityURL, EntityProcess:
		return EntityType(s), nil
	}
	return "", faults.Validationf("unknown entity type %q", s)
}

// Entity is a normalized real-world object. ID is the first 128 bits of
// sha256(type || ":" || value) and is identical across processes and
// machines for the same normalized (type, value).
type Entity struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	Value     string     `json:"value"`
	FirstSeen time.Time  `json:"first_seen,omitempty"`
	LastSeen  time.Time  `json:"last_seen,omitempty"`
}

// NewEntity builds an entity from an already-normalized value.
func NewEntity(t EntityType, normalizedValue string) Entity {
	return Entity{ID: ids.Entity(string(t), normalizedValue), Type: t, Value: normalizedValue}
}

// Edge links two entities that co-occurred in an admitted alert.
// Endpoints are canonicalized: SrcID < DstID lexicographically.
type Edge struct {
	SrcID     string    `json:"src_id"`
	DstID     string    `json:"dst_id"`
	Relation  string    `json:"relation"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// RelationCoOccurred is the relation recorded for alert co-occurrence.
const RelationCoOccurred = "co_occurred"

// CanonicalEdge orders the endpoints so the same pair always yields the
// same edge row regardless of discovery order.
func CanonicalEdge(a, b string, relation string, seen time.Time) Edge {
	if b < a {
		a, b = b, a
	}
	return Edge{SrcID: a, DstID: b, Relation: relation, FirstSeen: seen, LastSeen: seen}
}

// Incident is a connected component of the correlation graph.
type Incident struct {
	IncidentID  string    `json:"incident_id"`
	TenantID    string    `json:"tenant_id"`
	Score       float64   `json:"score"`
	ScoredAt    time.Time `json:"scored_at,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	LastMutated time.Time `json:"last_mutated"`
	MergedInto  string    `json:"merged_into,omitempty"`
}

// Frozen reports whether the incident was absorbed by a merge and is now
// read-only.
func (i Incident) Frozen() bool { return i.MergedInto != "" }

// IncidentGraph is an incident with its materialized membership, as
// returned by GET /incidents/{id} and consumed by the bundle builder.
type IncidentGraph struct {
	Incident Incident `json:"incident"`
	Nodes    []Entity `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Alerts   []Alert  `json:"alerts"`
}
