package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ransomeye/core/pkg/alert"
	"github.com/ransomeye/core/pkg/auth"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/sign"
)

// AlertEngine is the admission and lifecycle pipeline behind ingest.
type AlertEngine interface {
	Admit(ctx context.Context, e contracts.Event) (*alert.Outcome, error)
	Transition(ctx context.Context, alertID string, to contracts.AlertStatus, actor string) (*contracts.Alert, error)
}

// AlertDirectory reads stored alerts and admitted events.
type AlertDirectory interface {
	List(ctx context.Context, f alert.ListFilter) ([]contracts.Alert, error)
	EventIDByFingerprint(ctx context.Context, fingerprint string) (string, error)
	Insert(ctx context.Context, a *contracts.Alert, suppressUntil time.Time) error
	EventIDs(ctx context.Context, alertID string) ([]string, error)
	GetEvents(ctx context.Context, eventIDs []string) ([]contracts.Event, error)
}

// GraphStore is the correlation surface.
type GraphStore interface {
	Apply(ctx context.Context, a contracts.Alert) (string, error)
	GetIncident(ctx context.Context, incidentID string) (*contracts.IncidentGraph, error)
	ListIncidents(ctx context.Context, tenantID string, limit int) ([]contracts.Incident, error)
}

// JobQueue is the durable queue surface for bundles and rehydration.
type JobQueue interface {
	Enqueue(ctx context.Context, kind contracts.JobKind, payload []byte, idempotencyKey string) (string, error)
	Get(ctx context.Context, jobID string) (*contracts.Job, error)
}

// Server wires the HTTP surface.
type Server struct {
	engine   AlertEngine
	alerts   AlertDirectory
	graph    GraphStore
	jobs     JobQueue
	receipts *sign.Signer
	now      func() time.Time
	logger   *slog.Logger

	hbMu       sync.Mutex
	heartbeats map[string]agentHeartbeat
}

// NewServer builds the server. receipts must be configured; ingest
// without a receipt signer fails closed.
func NewServer(engine AlertEngine, alerts AlertDirectory, graph GraphStore, jobs JobQueue, receipts *sign.Signer) *Server {
	return &Server{
		engine:     engine,
		alerts:     alerts,
		graph:      graph,
		jobs:       jobs,
		receipts:   receipts,
		now:        time.Now,
		logger:     slog.Default().With("component", "api"),
		heartbeats: make(map[string]agentHeartbeat),
	}
}

// Routes assembles the mux with auth, request ids, idempotent replay,
// and ingest rate limiting applied.
func (s *Server) Routes(validator *auth.Validator, limiter *IngestLimiter, replay ReplayStore) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /events", limiter.Middleware(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("POST /alerts/batch", s.handleAlertBatch)
	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("PATCH /alerts/{id}", s.handleAlertTransition)
	mux.HandleFunc("GET /alerts/{id}/events", s.handleAlertEvents)

	mux.HandleFunc("POST /correlation/ingest", s.handleCorrelate)
	mux.HandleFunc("GET /incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("GET /incidents", s.handleListIncidents)

	mux.HandleFunc("POST /bundles", s.handleEnqueueBundle)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /rehydrate", s.handleEnqueueRehydrate)

	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = Idempotency(replay)(h)
	h = auth.Middleware(validator, WriteUnauthorized)(h)
	h = auth.RequestID(h)
	return h
}
