package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/core/pkg/alert"
	"github.com/ransomeye/core/pkg/auth"
	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/sign"
)

type fakeEngine struct {
	admitted map[string]string // fingerprint -> event id
	alerts   map[string]*contracts.Alert
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		admitted: make(map[string]string),
		alerts:   make(map[string]*contracts.Alert),
	}
}

func (f *fakeEngine) Admit(_ context.Context, e contracts.Event) (*alert.Outcome, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	fp, err := e.Fingerprint()
	if err != nil {
		return nil, err
	}
	if _, dup := f.admitted[fp]; dup {
		return &alert.Outcome{Decision: alert.DecisionDuplicate, Receipt: true}, nil
	}
	f.admitted[fp] = e.EventID
	return &alert.Outcome{Decision: alert.DecisionNoMatch, Receipt: true}, nil
}

func (f *fakeEngine) Transition(_ context.Context, alertID string, to contracts.AlertStatus, _ string) (*contracts.Alert, error) {
	a, ok := f.alerts[alertID]
	if !ok {
		return nil, faults.NotFoundf("alert %s", alertID)
	}
	if a.Status == to {
		return a, nil
	}
	if !contracts.CanTransition(a.Status, to) {
		return nil, faults.Conflictf("illegal transition %s -> %s", a.Status, to)
	}
	a.Status = to
	return a, nil
}

type fakeDirectory struct {
	engine *fakeEngine
	stored []contracts.Alert
	events map[string]contracts.Event
}

func (f *fakeDirectory) List(_ context.Context, filter alert.ListFilter) ([]contracts.Alert, error) {
	var out []contracts.Alert
	for _, a := range f.stored {
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeDirectory) EventIDByFingerprint(_ context.Context, fingerprint string) (string, error) {
	if id, ok := f.engine.admitted[fingerprint]; ok {
		return id, nil
	}
	return "", faults.NotFoundf("no event with fingerprint %s", fingerprint)
}

func (f *fakeDirectory) Insert(_ context.Context, a *contracts.Alert, _ time.Time) error {
	f.stored = append(f.stored, *a)
	return nil
}

func (f *fakeDirectory) EventIDs(_ context.Context, alertID string) ([]string, error) {
	for _, a := range f.stored {
		if a.AlertID == alertID {
			return a.SourceEvents, nil
		}
	}
	if a, ok := f.engine.alerts[alertID]; ok {
		return a.SourceEvents, nil
	}
	return nil, faults.NotFoundf("no such alert %s", alertID)
}

func (f *fakeDirectory) GetEvents(_ context.Context, eventIDs []string) ([]contracts.Event, error) {
	var out []contracts.Event
	for _, id := range eventIDs {
		if e, ok := f.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeGraph struct {
	incidents map[string]*contracts.IncidentGraph
	applied   int
}

func (f *fakeGraph) Apply(_ context.Context, a contracts.Alert) (string, error) {
	if len(a.Entities) == 0 {
		return "", faults.Validationf("alert %s has no entities", a.AlertID)
	}
	f.applied++
	return "inc-1", nil
}

func (f *fakeGraph) GetIncident(_ context.Context, id string) (*contracts.IncidentGraph, error) {
	g, ok := f.incidents[id]
	if !ok {
		return nil, faults.NotFoundf("incident %s", id)
	}
	return g, nil
}

func (f *fakeGraph) ListIncidents(_ context.Context, tenantID string, _ int) ([]contracts.Incident, error) {
	var out []contracts.Incident
	for _, g := range f.incidents {
		if g.Incident.TenantID == tenantID {
			out = append(out, g.Incident)
		}
	}
	return out, nil
}

type fakeJobs struct {
	jobs   map[string]*contracts.Job
	byKey  map[string]string
	nextID int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*contracts.Job), byKey: make(map[string]string)}
}

func (f *fakeJobs) Enqueue(_ context.Context, kind contracts.JobKind, payload []byte, key string) (string, error) {
	if key != "" {
		if id, ok := f.byKey[key]; ok {
			return id, nil
		}
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[id] = &contracts.Job{JobID: id, Kind: kind, Payload: payload, Status: contracts.JobPending}
	if key != "" {
		f.byKey[key] = id
	}
	return id, nil
}

func (f *fakeJobs) Get(_ context.Context, jobID string) (*contracts.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, faults.NotFoundf("no such job %s", jobID)
	}
	return j, nil
}

type testHarness struct {
	srv       *httptest.Server
	engine    *fakeEngine
	dir       *fakeDirectory
	graph     *fakeGraph
	jobs      *fakeJobs
	token     string
	serverPub *rsa.PublicKey
}

func newHarness(t *testing.T, limiter *IngestLimiter) *testHarness {
	t.Helper()
	receiptKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	authKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	engine := newFakeEngine()
	dir := &fakeDirectory{engine: engine}
	graph := &fakeGraph{incidents: make(map[string]*contracts.IncidentGraph)}
	jobs := newFakeJobs()

	s := NewServer(engine, dir, graph, jobs, sign.NewSigner(receiptKey, "receipt-test"))
	if limiter == nil {
		limiter = NewIngestLimiter(1000, 1000)
	}
	handler := s.Routes(auth.NewValidator(&authKey.PublicKey), limiter, NewMemoryReplayStore(time.Minute))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-1",
		Roles:    []string{"admin"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(authKey)
	require.NoError(t, err)

	return &testHarness{
		srv:       srv,
		engine:    engine,
		dir:       dir,
		graph:     graph,
		jobs:      jobs,
		token:     token,
		serverPub: &receiptKey.PublicKey,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func ingestEvent(id string) contracts.Event {
	return contracts.Event{
		EventID:    id,
		AgentID:    "agent-1",
		TenantID:   "tenant-1",
		OccurredAt: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Kind:       contracts.KindProcess,
		Payload:    map[string]any{"exe": "/usr/bin/curl"},
	}
}

func TestIngestDeduplicatesByFingerprint(t *testing.T) {
	h := newHarness(t, nil)

	first, err := canonical.Marshal(ingestEvent("evt-1"))
	require.NoError(t, err)
	resp := h.do(t, http.MethodPost, "/events", first, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decodeBody[contracts.Receipt](t, resp)
	assert.Equal(t, "evt-1", receipt.EventID)

	sum := sha256.Sum256(first)
	assert.Equal(t, hex.EncodeToString(sum[:]), receipt.BodySHA256)
	signed, err := receipt.SignedBytes()
	require.NoError(t, err)
	require.NoError(t, sign.Verify(h.serverPub, signed, receipt.Sig))

	// Same agent and payload under a new event id: the fingerprint
	// collides and the receipt names the original event.
	second, err := canonical.Marshal(ingestEvent("evt-2"))
	require.NoError(t, err)
	resp = h.do(t, http.MethodPost, "/events", second, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	dup := decodeBody[contracts.Receipt](t, resp)
	assert.Equal(t, "evt-1", dup.EventID)
	signed, err = dup.SignedBytes()
	require.NoError(t, err)
	require.NoError(t, sign.Verify(h.serverPub, signed, dup.Sig))
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	h := newHarness(t, nil)
	e := ingestEvent("evt-1")
	e.TenantID = ""
	body, err := canonical.Marshal(e)
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/events", body, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "err_validation", problem.Code)
	assert.Equal(t, "/events", problem.Instance)
	assert.NotEmpty(t, problem.TraceID)
}

func TestIngestRejectsFingerprintMismatch(t *testing.T) {
	h := newHarness(t, nil)
	body, err := canonical.Marshal(ingestEvent("evt-1"))
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/events", body, map[string]string{"X-Fingerprint": "deadbeef"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "err_integrity", problem.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/alerts", nil)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "err_signature", problem.Code)

	// Liveness stays public.
	resp, err = h.srv.Client().Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAlertTransitionFSM(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.alerts["al-1"] = &contracts.Alert{AlertID: "al-1", Status: contracts.StatusFalsePositive}

	body := []byte(`{"status": "open", "reason": "reinvestigate"}`)
	resp := h.do(t, http.MethodPatch, "/alerts/al-1", body, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "err_conflict", problem.Code)

	resp = h.do(t, http.MethodPatch, "/alerts/missing", body, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPatch, "/alerts/al-1", []byte(`{"status": "bogus"}`), nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBundleEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte(`{"incident_id": "inc-1"}`)
	header := map[string]string{"Idempotency-Key": "req-42"}

	resp := h.do(t, http.MethodPost, "/bundles", body, header)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decodeBody[map[string]string](t, resp)

	resp = h.do(t, http.MethodPost, "/bundles", body, header)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotent-Replay"))
	second := decodeBody[map[string]string](t, resp)
	assert.Equal(t, first["job_id"], second["job_id"])

	resp = h.do(t, http.MethodPost, "/bundles", []byte(`{}`), nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/rehydrate", []byte(`{"bundle_path": "/tmp/bundle"}`), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	enq := decodeBody[map[string]string](t, resp)

	resp = h.do(t, http.MethodGet, "/jobs/"+enq["job_id"], nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeBody[contracts.Job](t, resp)
	assert.Equal(t, contracts.JobRehydrateBundle, job.Kind)

	resp = h.do(t, http.MethodGet, "/jobs/missing", nil, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCorrelateBatch(t *testing.T) {
	h := newHarness(t, nil)
	batch := []contracts.Alert{
		{
			AlertID: "al-1", TenantID: "tenant-1", PolicyID: "p1",
			SourceEvents: []string{"evt-1"}, Status: contracts.StatusOpen,
			Entities: []contracts.Entity{contracts.NewEntity(contracts.EntityHost, "h1")},
		},
		{AlertID: "al-2", TenantID: "tenant-1", PolicyID: "p1",
			SourceEvents: []string{"evt-2"}, Status: contracts.StatusOpen},
	}
	body, err := json.Marshal(batch)
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/correlation/ingest", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcomes := decodeBody[[]correlateOutcome](t, resp)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "inc-1", outcomes[0].IncidentID)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.Equal(t, 1, h.graph.applied)
}

func TestAlertBatchOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	batch := []contracts.Alert{
		{TenantID: "tenant-1", PolicyID: "p1", SourceEvents: []string{"evt-1"},
			Entities: []contracts.Entity{contracts.NewEntity(contracts.EntityHost, "h1")}},
		{TenantID: "tenant-1", PolicyID: "p1"}, // no source events
	}
	body, err := json.Marshal(batch)
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/alerts/batch", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcomes := decodeBody[[]batchOutcome](t, resp)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "accepted", outcomes[0].Status)
	assert.Equal(t, "rejected", outcomes[1].Status)
	assert.Len(t, h.dir.stored, 1)
}

func TestListAlertsScopedToTokenTenant(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.stored = []contracts.Alert{
		{AlertID: "al-1", TenantID: "tenant-1"},
		{AlertID: "al-2", TenantID: "tenant-2"},
	}

	resp := h.do(t, http.MethodGet, "/alerts", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Alerts []contracts.Alert `json:"alerts"`
		Count  int               `json:"count"`
	}](t, resp)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "al-1", body.Alerts[0].AlertID)
}

func TestAlertEventsReturnsEvidence(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.stored = []contracts.Alert{
		{AlertID: "al-1", TenantID: "tenant-1", SourceEvents: []string{"evt-2", "evt-1"}},
	}
	h.dir.events = map[string]contracts.Event{
		"evt-1": ingestEvent("evt-1"),
		"evt-2": ingestEvent("evt-2"),
	}

	resp := h.do(t, http.MethodGet, "/alerts/al-1/events", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		AlertID string            `json:"alert_id"`
		Events  []contracts.Event `json:"events"`
		Count   int               `json:"count"`
	}](t, resp)
	assert.Equal(t, "al-1", body.AlertID)
	require.Equal(t, 2, body.Count)
	// Source order preserved.
	assert.Equal(t, "evt-2", body.Events[0].EventID)
	assert.Equal(t, "evt-1", body.Events[1].EventID)

	resp = h.do(t, http.MethodGet, "/alerts/missing/events", nil, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetIncident(t *testing.T) {
	h := newHarness(t, nil)
	h.graph.incidents["inc-1"] = &contracts.IncidentGraph{
		Incident: contracts.Incident{IncidentID: "inc-1", TenantID: "tenant-1", Score: 0.7},
	}

	resp := h.do(t, http.MethodGet, "/incidents/inc-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	g := decodeBody[contracts.IncidentGraph](t, resp)
	assert.Equal(t, 0.7, g.Incident.Score)

	resp = h.do(t, http.MethodGet, "/incidents/missing", nil, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeatAccepted(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte(`{"agent_id": "agent-1", "version": "1.0.0", "pending_files": 3, "pending_bytes": 900}`)

	resp := h.do(t, http.MethodPost, "/heartbeat", body, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/heartbeat", []byte(`{}`), nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestRateLimit(t *testing.T) {
	h := newHarness(t, NewIngestLimiter(1, 1))
	body, err := canonical.Marshal(ingestEvent("evt-1"))
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/events", body, nil)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/events", body, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "err_unavailable", problem.Code)
}
