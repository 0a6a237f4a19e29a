// Package scorer asks an external scoring service for an incident risk
// score. The graph treats scoring as advisory: a scorer outage degrades
// scores, never correlation.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// Scorer computes a risk score in [0, 1] for an incident graph.
type Scorer interface {
	Score(ctx context.Context, g *contracts.IncidentGraph) (float64, error)
}

// Noop scores everything 0; used when no scorer endpoint is configured.
type Noop struct{}

// Score implements Scorer.
func (Noop) Score(context.Context, *contracts.IncidentGraph) (float64, error) { return 0, nil }

// Client talks to an HTTP scoring service behind a circuit breaker, so
// a dead scorer fails fast instead of tying up queue workers.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewClient builds a scorer client for endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := slog.Default().With("component", "scorer")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "scorer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("scorer breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker,
		logger:   logger,
	}
}

// Features is the fixed vector sent to the scoring service. The raw
// graph never leaves the core; only these aggregates do.
type Features struct {
	Hosts            int            `json:"hosts"`
	Users            int            `json:"users"`
	AlertsBySeverity map[string]int `json:"alerts_by_severity"`
	SpanSeconds      int64          `json:"span_seconds"`
	EntityTypes      map[string]int `json:"entity_types"`
}

// ExtractFeatures reduces an incident graph to its feature vector.
func ExtractFeatures(g *contracts.IncidentGraph) Features {
	f := Features{
		AlertsBySeverity: map[string]int{},
		EntityTypes:      map[string]int{},
	}
	for _, n := range g.Nodes {
		f.EntityTypes[string(n.Type)]++
		switch n.Type {
		case contracts.EntityHost:
			f.Hosts++
		case contracts.EntityUser:
			f.Users++
		}
	}
	for _, a := range g.Alerts {
		f.AlertsBySeverity[a.Severity.String()]++
	}
	if !g.Incident.FirstSeen.IsZero() && !g.Incident.LastSeen.IsZero() {
		if span := g.Incident.LastSeen.Sub(g.Incident.FirstSeen); span > 0 {
			f.SpanSeconds = int64(span.Seconds())
		}
	}
	return f
}

type scoreRequest struct {
	IncidentID string   `json:"incident_id"`
	Features   Features `json:"features"`
}

type scoreResponse struct {
	Score       float64         `json:"score"`
	Explanation json.RawMessage `json:"explanation_blob,omitempty"`
}

// Score implements Scorer.
func (c *Client) Score(ctx context.Context, g *contracts.IncidentGraph) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		IncidentID: g.Incident.IncidentID,
		Features:   ExtractFeatures(g),
	})
	if err != nil {
		return 0, faults.Validationf("scorer: encode request: %v", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, faults.Unavailablef("scorer: circuit open")
		}
		return 0, err
	}
	return result.(float64), nil
}

func (c *Client) post(ctx context.Context, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, faults.Validationf("scorer: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, faults.Unavailablef("scorer: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return 0, faults.Unavailablef("scorer: status %d", resp.StatusCode)
		}
		return 0, faults.Validationf("scorer: status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, faults.Validationf("scorer: decode response: %v", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, faults.Validationf("scorer: score %v out of range", out.Score)
	}
	return out.Score, nil
}

// IncidentLoader materializes the graph the scorer consumes.
type IncidentLoader interface {
	GetIncident(ctx context.Context, incidentID string) (*contracts.IncidentGraph, error)
	SetScore(ctx context.Context, incidentID string, score float64, scoredAt time.Time) (bool, error)
}

// Handler returns the score_incident queue handler: load the incident,
// score it, record the result with a monotonic timestamp.
func Handler(graph IncidentLoader, scorer Scorer) func(ctx context.Context, job *contracts.Job) error {
	logger := slog.Default().With("component", "scorer")
	return func(ctx context.Context, job *contracts.Job) error {
		var payload contracts.ScoreIncidentPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return faults.Validationf("scorer: job payload: %v", err)
		}
		g, err := graph.GetIncident(ctx, payload.IncidentID)
		if err != nil {
			return err
		}
		if g.Incident.Frozen() {
			// Merged away between enqueue and lease; nothing to score.
			return nil
		}
		// Stamp before scoring: the score describes the graph as of the
		// moment it was read, and a later read must win.
		scoredAt := time.Now().UTC()
		score, err := scorer.Score(ctx, g)
		if err != nil {
			return fmt.Errorf("score incident %s: %w", payload.IncidentID, err)
		}
		applied, err := graph.SetScore(ctx, payload.IncidentID, score, scoredAt)
		if err != nil {
			return err
		}
		if !applied {
			logger.InfoContext(ctx, "stale score discarded",
				"incident_id", payload.IncidentID, "score", score)
		}
		return nil
	}
}
