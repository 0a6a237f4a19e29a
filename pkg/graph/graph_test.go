package graph

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

func incidentGen() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
	).Map(func(vals []any) contracts.Incident {
		first := time.Unix(vals[1].(int64), 0).UTC()
		return contracts.Incident{
			IncidentID: vals[0].(string),
			FirstSeen:  first,
			LastSeen:   first.Add(time.Duration(vals[2].(int64)) * time.Second),
		}
	})
}

func TestSurvivorIsOrderIndependent(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("survivor ignores input order", prop.ForAll(
		func(incidents []contracts.Incident) bool {
			if len(incidents) == 0 {
				return true
			}
			forward := Survivor(incidents)
			reversed := make([]contracts.Incident, len(incidents))
			for i, inc := range incidents {
				reversed[len(incidents)-1-i] = inc
			}
			return Survivor(reversed).IncidentID == forward.IncidentID
		},
		gen.SliceOf(incidentGen()),
	))
	properties.Property("survivor has the earliest first_seen", prop.ForAll(
		func(incidents []contracts.Incident) bool {
			if len(incidents) == 0 {
				return true
			}
			s := Survivor(incidents)
			for _, inc := range incidents {
				if inc.FirstSeen.Before(s.FirstSeen) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(incidentGen()),
	))
	properties.TestingRun(t)
}

func TestSurvivorTiebreakByID(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	a := contracts.Incident{IncidentID: "01B", FirstSeen: at}
	b := contracts.Incident{IncidentID: "01A", FirstSeen: at}
	assert.Equal(t, "01A", Survivor([]contracts.Incident{a, b}).IncidentID)
	assert.Equal(t, "01A", Survivor([]contracts.Incident{b, a}).IncidentID)
}

func TestMergeWindowCoversAll(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("window covers every member", prop.ForAll(
		func(incidents []contracts.Incident) bool {
			if len(incidents) == 0 {
				return true
			}
			first, last := MergeWindow(incidents)
			for _, inc := range incidents {
				if inc.FirstSeen.Before(first) || inc.LastSeen.After(last) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(incidentGen()),
	))
	properties.TestingRun(t)
}

func TestPairsAreCanonicalAndComplete(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	entities := []contracts.Entity{
		{ID: "ccc"}, {ID: "aaa"}, {ID: "bbb"},
	}
	edges := Pairs(entities, at)
	require.Len(t, edges, 3)
	seen := map[string]bool{}
	for _, e := range edges {
		assert.Less(t, e.SrcID, e.DstID)
		assert.Equal(t, contracts.RelationCoOccurred, e.Relation)
		seen[e.SrcID+"|"+e.DstID] = true
	}
	assert.Len(t, seen, 3)

	assert.Empty(t, Pairs(entities[:1], at))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	return &Store{db: db, now: func() time.Time { return fixed }}, mock
}

func TestSetScoreApplies(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE incidents SET score`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := s.SetScore(context.Background(), "inc-1", 0.8, s.now())
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestSetScoreStaleIsDiscarded(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE incidents SET score`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT incident_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"incident_id", "tenant_id", "score", "scored_at",
			"first_seen", "last_seen", "last_mutated", "merged_into",
		}).AddRow("inc-1", "t1", 0.9, s.now(), s.now(), s.now(), s.now(), nil))

	applied, err := s.SetScore(context.Background(), "inc-1", 0.5, s.now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSetScoreUnknownIncident(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE incidents SET score`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT incident_id`).
		WillReturnRows(sqlmock.NewRows([]string{"incident_id"}))

	_, err := s.SetScore(context.Background(), "missing", 0.5, s.now())
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

type fakeApplier struct {
	incidentID string
	applied    []string
}

func (f *fakeApplier) Apply(_ context.Context, a contracts.Alert) (string, error) {
	f.applied = append(f.applied, a.AlertID)
	return f.incidentID, nil
}

type fakeEnqueuer struct {
	kinds []contracts.JobKind
	keys  []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, kind contracts.JobKind, _ []byte, key string) (string, error) {
	f.kinds = append(f.kinds, kind)
	f.keys = append(f.keys, key)
	return "job-1", nil
}

func TestConsumerAppliesAndSchedulesScoring(t *testing.T) {
	applier := &fakeApplier{incidentID: "inc-1"}
	jobs := &fakeEnqueuer{}
	c := NewConsumer(applier, jobs)

	in := make(chan contracts.Alert, 2)
	in <- contracts.Alert{AlertID: "a1"}
	in <- contracts.Alert{AlertID: "a2"}
	close(in)
	c.Run(t.Context(), in)

	assert.Equal(t, []string{"a1", "a2"}, applier.applied)
	require.Len(t, jobs.kinds, 2)
	assert.Equal(t, contracts.JobScoreIncident, jobs.kinds[0])
	assert.Equal(t, "score:inc-1", jobs.keys[0])
}
