package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ransomeye/core/pkg/alert"
	"github.com/ransomeye/core/pkg/auth"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/ids"
)

const maxBodyBytes = 4 << 20

// handleIngest admits one event and answers with a signed receipt.
// Duplicate fingerprints answer 409 carrying a receipt for the
// originally admitted event.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteFault(w, r, faults.Validationf("read body: %v", err))
		return
	}
	bodySum := sha256.Sum256(body)
	bodySHA := hex.EncodeToString(bodySum[:])
	if sent := r.Header.Get("X-Fingerprint"); sent != "" && sent != bodySHA {
		WriteFault(w, r, faults.Integrityf("body hash %s does not match X-Fingerprint %s", bodySHA, sent))
		return
	}

	var e contracts.Event
	if err := json.Unmarshal(body, &e); err != nil {
		WriteFault(w, r, faults.Validationf("decode event: %v", err))
		return
	}

	outcome, err := s.engine.Admit(r.Context(), e)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	if outcome.Decision == alert.DecisionDuplicate {
		fingerprint, err := e.Fingerprint()
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		originalID, err := s.alerts.EventIDByFingerprint(r.Context(), fingerprint)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		receipt, err := s.signReceipt(originalID, bodySHA)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusConflict, receipt)
		return
	}

	receipt, err := s.signReceipt(e.EventID, bodySHA)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) signReceipt(eventID, bodySHA string) (*contracts.Receipt, error) {
	receipt := &contracts.Receipt{
		EventID:    eventID,
		BodySHA256: bodySHA,
		ServerTS:   s.now().UnixMilli(),
	}
	signed, err := receipt.SignedBytes()
	if err != nil {
		return nil, err
	}
	receipt.Sig, err = s.receipts.Sign(signed)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// batchOutcome is the per-item result of a legacy batch submission.
type batchOutcome struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// handleAlertBatch accepts pre-formed alerts from legacy clients.
// Injected alerts are stored with an already-expired suppression window
// so they never mask fresh detections.
func (s *Server) handleAlertBatch(w http.ResponseWriter, r *http.Request) {
	var batch []contracts.Alert
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		WriteFault(w, r, faults.Validationf("decode batch: %v", err))
		return
	}
	now := s.now().UTC()
	outcomes := make([]batchOutcome, 0, len(batch))
	for _, a := range batch {
		a := a
		if a.AlertID == "" {
			a.AlertID = ids.New()
		}
		if a.Status == "" {
			a.Status = contracts.StatusOpen
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		if a.HitCount == 0 {
			a.HitCount = 1
		}
		if err := a.Validate(); err != nil {
			outcomes = append(outcomes, batchOutcome{AlertID: a.AlertID, Status: "rejected", Error: err.Error()})
			continue
		}
		if err := s.alerts.Insert(r.Context(), &a, a.CreatedAt); err != nil {
			outcomes = append(outcomes, batchOutcome{AlertID: a.AlertID, Status: "rejected", Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, batchOutcome{AlertID: a.AlertID, Status: "accepted"})
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.ListFilter{
		TenantID: q.Get("tenant_id"),
		PolicyID: q.Get("policy_id"),
		Severity: q.Get("severity"),
	}
	if status := q.Get("status"); status != "" {
		f.Status = contracts.AlertStatus(status)
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	if p, ok := auth.FromContext(r.Context()); ok && f.TenantID == "" {
		f.TenantID = p.TenantID
	}

	alerts, err := s.alerts.List(r.Context(), f)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAlertTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		WriteFault(w, r, faults.Validationf("decode transition: %v", err))
		return
	}
	to := contracts.AlertStatus(body.Status)
	switch to {
	case contracts.StatusOpen, contracts.StatusAcknowledged, contracts.StatusResolved, contracts.StatusFalsePositive:
	default:
		WriteFault(w, r, faults.Validationf("unknown status %q", body.Status))
		return
	}

	actor := "operator"
	if p, ok := auth.FromContext(r.Context()); ok {
		actor = p.ID
	}
	a, err := s.engine.Transition(r.Context(), r.PathValue("id"), to, actor)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAlertEvents returns the admitted events an alert was derived
// from, in source order.
func (s *Server) handleAlertEvents(w http.ResponseWriter, r *http.Request) {
	alertID := r.PathValue("id")
	eventIDs, err := s.alerts.EventIDs(r.Context(), alertID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	events, err := s.alerts.GetEvents(r.Context(), eventIDs)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id": alertID,
		"events":   events,
		"count":    len(events),
	})
}

// correlateOutcome is the per-alert result of a correlation batch.
type correlateOutcome struct {
	AlertID    string `json:"alert_id"`
	IncidentID string `json:"incident_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleCorrelate folds a batch of alerts into the correlation graph.
// Internal service-to-service path.
func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var batch []contracts.Alert
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		WriteFault(w, r, faults.Validationf("decode batch: %v", err))
		return
	}
	outcomes := make([]correlateOutcome, 0, len(batch))
	for _, a := range batch {
		incidentID, err := s.graph.Apply(r.Context(), a)
		if err != nil {
			outcomes = append(outcomes, correlateOutcome{AlertID: a.AlertID, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, correlateOutcome{AlertID: a.AlertID, IncidentID: incidentID})
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	g, err := s.graph.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if p, ok := auth.FromContext(r.Context()); ok && tenantID == "" {
		tenantID = p.TenantID
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	incidents, err := s.graph.ListIncidents(r.Context(), tenantID, limit)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}

func (s *Server) handleEnqueueBundle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IncidentID     string   `json:"incident_id"`
		Since          string   `json:"since,omitempty"`
		Entities       []string `json:"entities,omitempty"`
		IdempotencyKey string   `json:"idempotency_key,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		WriteFault(w, r, faults.Validationf("decode bundle request: %v", err))
		return
	}
	if body.IncidentID == "" {
		WriteFault(w, r, faults.Validationf("incident_id is required"))
		return
	}
	payload, err := json.Marshal(contracts.BuildBundlePayload{
		IncidentID: body.IncidentID,
		Since:      body.Since,
		Entities:   body.Entities,
	})
	if err != nil {
		WriteFault(w, r, faults.Validationf("encode payload: %v", err))
		return
	}
	jobID, err := s.jobs.Enqueue(r.Context(), contracts.JobBuildBundle, payload, body.IdempotencyKey)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnqueueRehydrate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BundlePath string `json:"bundle_path"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		WriteFault(w, r, faults.Validationf("decode rehydrate request: %v", err))
		return
	}
	if body.BundlePath == "" {
		WriteFault(w, r, faults.Validationf("bundle_path is required"))
		return
	}
	payload, err := json.Marshal(contracts.RehydratePayload{BundlePath: body.BundlePath})
	if err != nil {
		WriteFault(w, r, faults.Validationf("encode payload: %v", err))
		return
	}
	jobID, err := s.jobs.Enqueue(r.Context(), contracts.JobRehydrateBundle, payload, "rehydrate:"+body.BundlePath)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// agentHeartbeat is the last liveness report from one agent.
type agentHeartbeat struct {
	Version      string    `json:"version"`
	PendingFiles int       `json:"pending_files"`
	PendingBytes int64     `json:"pending_bytes"`
	SeenAt       time.Time `json:"seen_at"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID      string `json:"agent_id"`
		Version      string `json:"version"`
		PendingFiles int    `json:"pending_files"`
		PendingBytes int64  `json:"pending_bytes"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		WriteFault(w, r, faults.Validationf("decode heartbeat: %v", err))
		return
	}
	if body.AgentID == "" {
		WriteFault(w, r, faults.Validationf("agent_id is required"))
		return
	}
	s.hbMu.Lock()
	s.heartbeats[body.AgentID] = agentHeartbeat{
		Version:      body.Version,
		PendingFiles: body.PendingFiles,
		PendingBytes: body.PendingBytes,
		SeenAt:       s.now().UTC(),
	}
	s.hbMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
