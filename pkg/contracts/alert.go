package contracts

import (
	"sort"
	"strconv"
	"time"

	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/faults"
)

// Severity is the ordered alert severity scale.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string { return severityNames[s] }

// MarshalText implements encoding.TextMarshaler for JSON and storage.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity maps a name to its Severity.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return 0, faults.Validationf("unknown severity %q", name)
}

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	StatusOpen          AlertStatus = "open"
	StatusAcknowledged  AlertStatus = "acknowledged"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// allowedTransitions encodes the status FSM. resolved→open is the audited
// reopen path; false_positive is terminal.
var allowedTransitions = map[AlertStatus][]AlertStatus{
	StatusOpen:          {StatusAcknowledged, StatusResolved, StatusFalsePositive},
	StatusAcknowledged:  {StatusResolved, StatusFalsePositive},
	StatusResolved:      {StatusOpen},
	StatusFalsePositive: {},
}

// CanTransition reports whether from→to is a legal status move.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsReopen reports whether from→to is the audited reopen transition.
func IsReopen(from, to AlertStatus) bool {
	return from == StatusResolved && to == StatusOpen
}

// Alert is derived by the alert engine from one or more events.
type Alert struct {
	AlertID      string      `json:"alert_id"`
	TenantID     string      `json:"tenant_id"`
	PolicyID     string      `json:"policy_id"`
	Severity     Severity    `json:"severity"`
	SourceEvents []string    `json:"source_events"`
	Entities     []Entity    `json:"entities"`
	Status       AlertStatus `json:"status"`
	DedupKey     string      `json:"dedup_key"`
	HitCount     int64       `json:"hit_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Validate checks the structural invariants every stored alert holds:
// source_events non-empty and a well-formed status.
func (a Alert) Validate() error {
	if a.AlertID == "" {
		return faults.Validationf("alert: missing alert_id")
	}
	if a.PolicyID == "" {
		return faults.Validationf("alert: missing policy_id")
	}
	if len(a.SourceEvents) == 0 {
		return faults.Validationf("alert: source_events must be non-empty")
	}
	switch a.Status {
	case StatusOpen, StatusAcknowledged, StatusResolved, StatusFalsePositive:
	default:
		return faults.Validationf("alert: unknown status %q", a.Status)
	}
	return nil
}

// DedupKey computes SHA-256 over the canonical form of
// (policy_id, sorted entity ids, bucket). Stable under entity-set
// permutation because ids are sorted before hashing.
func DedupKey(policyID string, entities []Entity, bucket int64) (string, error) {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	sort.Strings(ids)
	return canonical.HashValue(map[string]any{
		"policy_id": policyID,
		"entities":  ids,
		"bucket":    strconv.FormatInt(bucket, 10),
	})
}

// Bucket truncates a timestamp to its policy-defined bucket.
func Bucket(at time.Time, bucketSeconds int64) int64 {
	if bucketSeconds <= 0 {
		return 0
	}
	return at.Unix() / bucketSeconds
}
