// Package audit appends operator-visible audit records for actions that
// need a trail: alert reopens, signature failures, rehydration aborts,
// update rollbacks, and buffer overflows.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ransomeye/core/pkg/ids"
)

// Record kinds.
const (
	KindAlertReopen      = "alert_reopen"
	KindSignatureFailure = "signature_failure"
	KindRehydrateAbort   = "rehydrate_abort"
	KindUpdateRollback   = "update_rollback"
	KindBufferOverflow   = "buffer_overflow"
)

// Logger appends audit records. A nil *Logger is a no-op so callers do
// not need to guard every site.
type Logger struct {
	db     *sql.DB
	logger *slog.Logger
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		audit_id    TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		actor       TEXT NOT NULL,
		subject     TEXT NOT NULL,
		detail      JSONB,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_kind_idx ON audit_records (kind, recorded_at)`,
}

// New creates an audit logger writing to db (may be nil for log-only use,
// e.g. on agents).
func New(ctx context.Context, db *sql.DB) (*Logger, error) {
	l := &Logger{db: db, logger: slog.Default().With("component", "audit")}
	if db != nil {
		for _, stmt := range migrations {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

// Append records one audit entry. Failures to persist are logged but do
// not fail the caller's unit of work; the slog line is the floor.
func (l *Logger) Append(ctx context.Context, kind, actor, subject string, detail map[string]any) {
	if l == nil {
		return
	}
	l.logger.InfoContext(ctx, "audit",
		"kind", kind, "actor", actor, "subject", subject, "detail", detail)
	if l.db == nil {
		return
	}
	blob, err := json.Marshal(detail)
	if err != nil {
		blob = []byte("{}")
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_records (audit_id, kind, actor, subject, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ids.New(), kind, actor, subject, blob, time.Now().UTC())
	if err != nil {
		l.logger.WarnContext(ctx, "audit append failed", "kind", kind, "error", err)
	}
}
