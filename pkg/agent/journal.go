package agent

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// ReceiptJournal persists verified server receipts in an embedded
// sqlite database, surviving archive pruning so operators can prove
// which uploads the server acknowledged.
type ReceiptJournal struct {
	db *sql.DB
}

const journalMigration = `CREATE TABLE IF NOT EXISTS receipts (
	event_id    TEXT PRIMARY KEY,
	body_sha256 TEXT NOT NULL,
	server_ts   INTEGER NOT NULL,
	sig         TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
)`

// NewReceiptJournal opens the journal, creating the schema if needed.
// db is expected to be a single-connection sqlite handle.
func NewReceiptJournal(ctx context.Context, db *sql.DB) (*ReceiptJournal, error) {
	if _, err := db.ExecContext(ctx, journalMigration); err != nil {
		return nil, faults.Unavailablef("journal: migrate: %v", err)
	}
	return &ReceiptJournal{db: db}, nil
}

// Append records one verified receipt. Replays of the same event id are
// no-ops; the first verified receipt wins.
func (j *ReceiptJournal) Append(ctx context.Context, r contracts.Receipt) error {
	if j == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO receipts (event_id, body_sha256, server_ts, sig, recorded_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
		r.EventID, r.BodySHA256, r.ServerTS, hex.EncodeToString(r.Sig), time.Now().Unix())
	if err != nil {
		return faults.Unavailablef("journal: append: %v", err)
	}
	return nil
}

// Get loads the receipt recorded for an event.
func (j *ReceiptJournal) Get(ctx context.Context, eventID string) (*contracts.Receipt, error) {
	var (
		r      contracts.Receipt
		sigHex string
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT event_id, body_sha256, server_ts, sig FROM receipts WHERE event_id = ?`,
		eventID).Scan(&r.EventID, &r.BodySHA256, &r.ServerTS, &sigHex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("receipt for %s", eventID)
	}
	if err != nil {
		return nil, faults.Unavailablef("journal: get: %v", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, faults.Integrityf("journal: receipt %s signature corrupt", eventID)
	}
	r.Sig = sig
	return &r, nil
}

// Count reports journal size for heartbeats.
func (j *ReceiptJournal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n); err != nil {
		return 0, faults.Unavailablef("journal: count: %v", err)
	}
	return n, nil
}
