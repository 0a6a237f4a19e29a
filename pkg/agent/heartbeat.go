package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultHeartbeatInterval is the cadence when none is configured.
const DefaultHeartbeatInterval = 60 * time.Second

// Heartbeat reports agent liveness and buffer occupancy to the core.
type Heartbeat struct {
	client   *http.Client
	baseURL  string
	agentID  string
	version  string
	buf      *Buffer
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeat wires the heartbeat loop.
func NewHeartbeat(client *http.Client, baseURL, agentID, version string, buf *Buffer, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		client:   client,
		baseURL:  baseURL,
		agentID:  agentID,
		version:  version,
		buf:      buf,
		interval: interval,
		logger:   slog.Default().With("component", "heartbeat"),
	}
}

type heartbeatBody struct {
	AgentID      string `json:"agent_id"`
	Version      string `json:"version"`
	PendingFiles int    `json:"pending_files"`
	PendingBytes int64  `json:"pending_bytes"`
	SentAt       int64  `json:"sent_at"`
}

// Run beats until ctx is cancelled. A failed beat is logged and the
// next tick tries again; liveness gaps are the server's signal.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	files, size := h.buf.Counters()
	body, err := json.Marshal(heartbeatBody{
		AgentID:      h.agentID,
		Version:      h.version,
		PendingFiles: files,
		PendingBytes: size,
		SentAt:       time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.WarnContext(ctx, "heartbeat failed", "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		h.logger.WarnContext(ctx, "heartbeat rejected", "status", resp.StatusCode)
	}
}
