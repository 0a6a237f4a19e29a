// Package graph maintains the correlation graph: entities and
// co-occurrence edges grouped into incidents, with merge-on-connect
// semantics and incident scoring.
package graph

import (
	"time"

	"github.com/ransomeye/core/pkg/contracts"
)

// Survivor picks which incident absorbs the others in a merge: the one
// with the earliest first_seen, lower incident id on ties. Deterministic
// for any input order.
func Survivor(incidents []contracts.Incident) contracts.Incident {
	best := incidents[0]
	for _, inc := range incidents[1:] {
		if inc.FirstSeen.Before(best.FirstSeen) {
			best = inc
			continue
		}
		if inc.FirstSeen.Equal(best.FirstSeen) && inc.IncidentID < best.IncidentID {
			best = inc
		}
	}
	return best
}

// MergeWindow folds the observation windows of merged incidents:
// min(first_seen), max(last_seen).
func MergeWindow(incidents []contracts.Incident) (first, last time.Time) {
	first, last = incidents[0].FirstSeen, incidents[0].LastSeen
	for _, inc := range incidents[1:] {
		if inc.FirstSeen.Before(first) {
			first = inc.FirstSeen
		}
		if inc.LastSeen.After(last) {
			last = inc.LastSeen
		}
	}
	return first, last
}

// Pairs expands an alert's entity set into canonical co-occurrence
// edges, one per unordered pair.
func Pairs(entities []contracts.Entity, seen time.Time) []contracts.Edge {
	var edges []contracts.Edge
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			edges = append(edges, contracts.CanonicalEdge(
				entities[i].ID, entities[j].ID, contracts.RelationCoOccurred, seen))
		}
	}
	return edges
}
