// Package contracts defines the wire and storage types shared by the
// detection core: events, receipts, alerts, entities, incidents, and jobs.
package contracts

import (
	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/faults"
)

// EventKind enumerates telemetry sources.
type EventKind string

const (
	KindProcess   EventKind = "process"
	KindNetwork   EventKind = "network"
	KindFile      EventKind = "file"
	KindAuth      EventKind = "auth"
	KindIntegrity EventKind = "integrity"
	KindScan      EventKind = "scan"
)

// ParseEventKind validates a kind string.
func ParseEventKind(s string) (EventKind, error) {
	switch EventKind(s) {
	case KindProcess, KindNetwork, KindFile, KindAuth, KindIntegrity, KindScan:
		return EventKind(s), nil
	}
	return "", faults.Validationf("unknown event kind %q", s)
}

// EntityOptional reports whether events of this kind may legitimately
// carry no extractable entities.
func (k EventKind) EntityOptional() bool {
	return k == KindIntegrity || k == KindScan
}

// Event is the telemetry unit produced by an agent or probe. Once signed
// into the buffer it is opaque and append-only.
type Event struct {
	EventID    string         `json:"event_id"`
	AgentID    string         `json:"agent_id"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt int64          `json:"occurred_at"` // milliseconds since epoch
	ReceivedAt int64          `json:"received_at,omitempty"`
	Kind       EventKind      `json:"kind"`
	Payload    map[string]any `json:"payload"`
}

// Fingerprint is SHA-256 over the canonical form of
// (agent_id, kind, payload); it drives server-side deduplication.
func (e Event) Fingerprint() (string, error) {
	return canonical.HashValue(map[string]any{
		"agent_id": e.AgentID,
		"kind":     string(e.Kind),
		"payload":  e.Payload,
	})
}

// Validate checks the structural invariants every admitted event holds.
func (e Event) Validate() error {
	if e.EventID == "" {
		return faults.Validationf("event: missing event_id")
	}
	if e.AgentID == "" {
		return faults.Validationf("event: missing agent_id")
	}
	if e.TenantID == "" {
		return faults.Validationf("event: missing tenant_id")
	}
	if _, err := ParseEventKind(string(e.Kind)); err != nil {
		return err
	}
	if e.OccurredAt <= 0 {
		return faults.Validationf("event: occurred_at must be positive")
	}
	return nil
}

// Receipt is the server-signed acknowledgment of an admitted event. The
// agent verifies Sig with the server public key and checks BodySHA256
// against the fingerprint it sent.
type Receipt struct {
	EventID    string `json:"event_id"`
	BodySHA256 string `json:"body_sha256"`
	ServerTS   int64  `json:"server_ts"` // milliseconds since epoch
	Sig        []byte `json:"sig"`
}

// SignedBytes returns the canonical bytes covered by Sig.
func (r Receipt) SignedBytes() ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"event_id":    r.EventID,
		"body_sha256": r.BodySHA256,
		"server_ts":   r.ServerTS,
	})
}
