// Package api exposes the detection core over HTTP: event ingest with
// signed receipts, alert listing and lifecycle, incident reads, and the
// job surface for bundles and rehydration.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ransomeye/core/pkg/auth"
	"github.com/ransomeye/core/pkg/faults"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Code     string `json:"code"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// WriteFault maps an error through the fault taxonomy and writes the
// problem response. Internal detail from unclassified errors is logged,
// never exposed.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.HTTPStatus(err)
	detail := err.Error()
	if status >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		detail = "the request could not be completed"
	}
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://ransomeye.dev/errors/%s", faults.Code(err)),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Code:     faults.Code(err),
		Instance: r.URL.Path,
		TraceID:  auth.GetRequestID(r.Context()),
	}
	writeProblem(w, problem)
}

// WriteUnauthorized answers an authentication failure. The cause stays
// in the detail so operators can tell a missing token from a bad one.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ransomeye"`)
	writeProblem(w, &ProblemDetail{
		Type:     "https://ransomeye.dev/errors/err_signature",
		Title:    http.StatusText(http.StatusUnauthorized),
		Status:   http.StatusUnauthorized,
		Detail:   err.Error(),
		Code:     faults.Code(err),
		Instance: r.URL.Path,
		TraceID:  auth.GetRequestID(r.Context()),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
