package graph

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ransomeye/core/pkg/contracts"
)

// Applier is the graph mutation the consumer drives.
type Applier interface {
	Apply(ctx context.Context, a contracts.Alert) (incidentID string, err error)
}

// Enqueuer schedules follow-up work; the queue store implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind contracts.JobKind, payload []byte, idempotencyKey string) (string, error)
}

var metricApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ransomeye",
	Subsystem: "graph",
	Name:      "alerts_applied_total",
	Help:      "Alerts folded into the correlation graph.",
}, []string{"result"})

// Consumer drains the alert engine's output channel into the graph and
// schedules rescoring for every mutated incident.
type Consumer struct {
	graph  Applier
	jobs   Enqueuer
	logger *slog.Logger
}

// NewConsumer wires the consumer. jobs may be nil to disable rescoring.
func NewConsumer(g Applier, jobs Enqueuer) *Consumer {
	return &Consumer{graph: g, jobs: jobs, logger: slog.Default().With("component", "graph")}
}

// Run drains in until it closes or ctx is cancelled. Apply failures are
// logged and dropped; the alert row is durable and a replay pass can
// re-fold it.
func (c *Consumer) Run(ctx context.Context, in <-chan contracts.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-in:
			if !ok {
				return
			}
			c.apply(ctx, a)
		}
	}
}

func (c *Consumer) apply(ctx context.Context, a contracts.Alert) {
	incidentID, err := c.graph.Apply(ctx, a)
	if err != nil {
		metricApplied.WithLabelValues("error").Inc()
		c.logger.ErrorContext(ctx, "graph apply failed",
			"alert_id", a.AlertID, "error", err)
		return
	}
	metricApplied.WithLabelValues("ok").Inc()
	c.logger.InfoContext(ctx, "alert correlated",
		"alert_id", a.AlertID, "incident_id", incidentID)

	if c.jobs == nil {
		return
	}
	payload, err := json.Marshal(contracts.ScoreIncidentPayload{IncidentID: incidentID})
	if err != nil {
		return
	}
	// One pending score job per incident at a time; the queue collapses
	// replays on the idempotency key.
	if _, err := c.jobs.Enqueue(ctx, contracts.JobScoreIncident, payload, "score:"+incidentID); err != nil {
		c.logger.WarnContext(ctx, "score enqueue failed",
			"incident_id", incidentID, "error", err)
	}
}
