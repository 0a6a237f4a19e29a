package alert_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ransomeye/core/pkg/alert"
	"github.com/ransomeye/core/pkg/contracts"
)

func openEventStore(t *testing.T, window time.Duration) *alert.PGStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := alert.NewPGStore(context.Background(), db, window)
	require.NoError(t, err)
	return store
}

func storedEvent(id string, receivedAt int64) contracts.Event {
	return contracts.Event{
		EventID:    id,
		AgentID:    "agent-1",
		TenantID:   "tenant-1",
		Kind:       contracts.KindProcess,
		OccurredAt: receivedAt - 50,
		ReceivedAt: receivedAt,
		Payload:    map[string]any{"exe": "/usr/bin/ssh"},
	}
}

func TestAdmitEventDedupWindowExpires(t *testing.T) {
	store := openEventStore(t, time.Minute)
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC).UnixMilli()

	admitted, err := store.AdmitEvent(ctx, storedEvent("evt-1", base), "fp-1")
	require.NoError(t, err)
	assert.True(t, admitted)

	// Same fingerprint 30 s later: suppressed.
	admitted, err = store.AdmitEvent(ctx, storedEvent("evt-2", base+30_000), "fp-1")
	require.NoError(t, err)
	assert.False(t, admitted)

	// Same fingerprint an hour later: the window has passed, so the
	// event is admitted as a fresh occurrence.
	late := storedEvent("evt-3", base+time.Hour.Milliseconds())
	admitted, err = store.AdmitEvent(ctx, late, "fp-1")
	require.NoError(t, err)
	assert.True(t, admitted)

	id, err := store.EventIDByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-3", id)
}

func TestAdmitEventDistinctFingerprints(t *testing.T) {
	store := openEventStore(t, time.Minute)
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC).UnixMilli()

	admitted, err := store.AdmitEvent(ctx, storedEvent("evt-1", base), "fp-1")
	require.NoError(t, err)
	assert.True(t, admitted)

	// A different fingerprint at the same instant is unaffected.
	admitted, err = store.AdmitEvent(ctx, storedEvent("evt-2", base), "fp-2")
	require.NoError(t, err)
	assert.True(t, admitted)
}
