package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/entity"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/ids"
)

// Decision is the outcome of admitting one event.
type Decision string

const (
	DecisionDuplicate  Decision = "duplicate"
	DecisionNoMatch    Decision = "no_match"
	DecisionSuppressed Decision = "suppressed"
	DecisionAlerted    Decision = "alerted"
)

// Outcome reports what the engine did with an event.
type Outcome struct {
	Decision Decision
	Alert    *contracts.Alert
	Receipt  bool
}

// EventStore admits events with fingerprint-level deduplication.
type EventStore interface {
	AdmitEvent(ctx context.Context, e contracts.Event, fingerprint string) (admitted bool, err error)
}

// Store is the alert persistence the engine needs.
type Store interface {
	Insert(ctx context.Context, a *contracts.Alert, suppressUntil time.Time) error
	FindActive(ctx context.Context, dedupKey string, now time.Time) (*contracts.Alert, error)
	RecordHit(ctx context.Context, alertID, eventID string, now time.Time) (int64, error)
	Get(ctx context.Context, alertID string) (*contracts.Alert, error)
	UpdateStatus(ctx context.Context, alertID string, from, to contracts.AlertStatus, now time.Time) error
}

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ransomeye",
		Subsystem: "alert",
		Name:      "events_total",
		Help:      "Events admitted by decision.",
	}, []string{"decision"})
	metricAlertsOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ransomeye",
		Subsystem: "alert",
		Name:      "alerts_opened_total",
		Help:      "Alerts opened by the engine.",
	})
)

// Engine runs the admission pipeline: validate, extract entities, dedup
// by fingerprint, match policies, suppress by dedup key, emit.
type Engine struct {
	policies *Reloader
	events   EventStore
	alerts   Store
	cache    *Suppressor
	audit    *audit.Logger
	out      chan<- contracts.Alert
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine wires the engine. out receives every newly opened alert and
// must be drained by the correlation consumer; Admit blocks on it for
// backpressure. cache and auditLog may be nil.
func NewEngine(policies *Reloader, events EventStore, alerts Store, cache *Suppressor, auditLog *audit.Logger, out chan<- contracts.Alert) *Engine {
	return &Engine{
		policies: policies,
		events:   events,
		alerts:   alerts,
		cache:    cache,
		audit:    auditLog,
		out:      out,
		now:      time.Now,
		logger:   slog.Default().With("component", "alert"),
	}
}

// Admit runs one event through the pipeline. Duplicate fingerprints are
// acknowledged (Receipt=true) but produce nothing downstream.
func (eng *Engine) Admit(ctx context.Context, e contracts.Event) (*Outcome, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := ValidatePayload(e); err != nil {
		return nil, err
	}

	// Entities must extract before admission so a malformed field can
	// reject the event instead of admitting an uncorrelatable body.
	entities, err := entity.FromEvent(e)
	if err != nil {
		return nil, err
	}

	fingerprint, err := e.Fingerprint()
	if err != nil {
		return nil, err
	}
	if e.ReceivedAt == 0 {
		e.ReceivedAt = eng.now().UnixMilli()
	}
	admitted, err := eng.events.AdmitEvent(ctx, e, fingerprint)
	if err != nil {
		return nil, err
	}
	if !admitted {
		metricEvents.WithLabelValues(string(DecisionDuplicate)).Inc()
		return &Outcome{Decision: DecisionDuplicate, Receipt: true}, nil
	}

	set := eng.policies.Snapshot()
	policy, err := set.First(e, entities)
	if err != nil {
		// A broken expression slipped past compile; log, do not lose
		// the event over it.
		eng.logger.ErrorContext(ctx, "policy evaluation failed",
			"event_id", e.EventID, "error", err)
		metricEvents.WithLabelValues(string(DecisionNoMatch)).Inc()
		return &Outcome{Decision: DecisionNoMatch, Receipt: true}, nil
	}
	if policy == nil {
		metricEvents.WithLabelValues(string(DecisionNoMatch)).Inc()
		return &Outcome{Decision: DecisionNoMatch, Receipt: true}, nil
	}

	occurred := time.UnixMilli(e.OccurredAt).UTC()
	bucket := contracts.Bucket(occurred, policy.BucketSeconds)
	dedupKey, err := contracts.DedupKey(policy.ID, entities, bucket)
	if err != nil {
		return nil, err
	}

	now := eng.now().UTC()
	existing, err := eng.lookupActive(ctx, dedupKey, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		hits, err := eng.alerts.RecordHit(ctx, existing.AlertID, e.EventID, now)
		if err != nil {
			return nil, err
		}
		existing.HitCount = hits
		metricEvents.WithLabelValues(string(DecisionSuppressed)).Inc()
		return &Outcome{Decision: DecisionSuppressed, Alert: existing, Receipt: true}, nil
	}

	a := &contracts.Alert{
		AlertID:      ids.New(),
		TenantID:     e.TenantID,
		PolicyID:     policy.ID,
		Severity:     policy.Severity,
		SourceEvents: []string{e.EventID},
		Entities:     entities,
		Status:       contracts.StatusOpen,
		DedupKey:     dedupKey,
		HitCount:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	suppressFor := time.Duration(policy.SuppressSeconds) * time.Second
	if err := eng.alerts.Insert(ctx, a, now.Add(suppressFor)); err != nil {
		return nil, err
	}
	eng.cache.Remember(ctx, dedupKey, a.AlertID, suppressFor)
	metricEvents.WithLabelValues(string(DecisionAlerted)).Inc()
	metricAlertsOpen.Inc()
	eng.logger.InfoContext(ctx, "alert opened",
		"alert_id", a.AlertID, "policy_id", policy.ID,
		"severity", a.Severity.String(), "entities", len(entities))

	select {
	case eng.out <- *a:
	case <-ctx.Done():
		// The row is durable; the graph catches up via replay.
		return &Outcome{Decision: DecisionAlerted, Alert: a, Receipt: true}, ctx.Err()
	}
	return &Outcome{Decision: DecisionAlerted, Alert: a, Receipt: true}, nil
}

func (eng *Engine) lookupActive(ctx context.Context, dedupKey string, now time.Time) (*contracts.Alert, error) {
	if alertID, ok := eng.cache.Lookup(ctx, dedupKey); ok {
		a, err := eng.alerts.Get(ctx, alertID)
		if err == nil && a.Status == contracts.StatusOpen {
			return a, nil
		}
		// Cache points at a closed or missing alert; drop it and fall
		// through to the store.
		eng.cache.Forget(ctx, dedupKey)
	}
	return eng.alerts.FindActive(ctx, dedupKey, now)
}

// Transition moves an alert through the status FSM. Illegal moves return
// ErrConflict; resolved→open appends an audit record.
func (eng *Engine) Transition(ctx context.Context, alertID string, to contracts.AlertStatus, actor string) (*contracts.Alert, error) {
	a, err := eng.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status == to {
		return a, nil
	}
	if !contracts.CanTransition(a.Status, to) {
		return nil, faults.Conflictf("alert %s: illegal transition %s -> %s", alertID, a.Status, to)
	}
	now := eng.now().UTC()
	if err := eng.alerts.UpdateStatus(ctx, alertID, a.Status, to, now); err != nil {
		return nil, err
	}
	if contracts.IsReopen(a.Status, to) {
		eng.audit.Append(ctx, audit.KindAlertReopen, actor, alertID, map[string]any{
			"from": string(a.Status), "to": string(to),
		})
	}
	if a.Status == contracts.StatusOpen {
		eng.cache.Forget(ctx, a.DedupKey)
	}
	a.Status = to
	a.UpdatedAt = now
	return a, nil
}
