// Package handlers provides the HTTP handlers for the alert relay API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danilo-araujo0000/boton/internal/dispatch"
	"github.com/danilo-araujo0000/boton/internal/metrics"
)

// Submitter accepts alert submissions. Satisfied by dispatch.Coordinator.
type Submitter interface {
	SubmitAlert(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error)
}

// StatsSource reports current counters for the status endpoint.
type StatsSource interface {
	Snapshot() metrics.Snapshot
}

// Handlers holds the handler dependencies.
type Handlers struct {
	coordinator Submitter
	stats       StatsSource
	startedAt   time.Time
}

// New creates the handler set. stats may be nil.
func New(coordinator Submitter, stats StatsSource) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		stats:       stats,
		startedAt:   time.Now(),
	}
}

// SubmitAlertRequest is the JSON body of a submission.
type SubmitAlertRequest struct {
	Hostname string `json:"hostname"`
	Username string `json:"usuario"`
	Code     string `json:"codigo"`
}

// SubmitAlertResponse answers an accepted submission.
type SubmitAlertResponse struct {
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// SubmitAlert accepts a panic alert. The URL path carries the shared secret;
// the coordinator checks it against the submission's code field, so the path
// value is copied there when the body omits it.
func (h *Handlers) SubmitAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := decodeSubmission(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		req.Code = r.PathValue("secret")
	}

	ctx := r.Context()
	result, err := h.coordinator.SubmitAlert(ctx, dispatch.Submission{
		Hostname: req.Hostname,
		Code:     req.Code,
		Username: req.Username,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrMalformedInput) {
			http.Error(w, "Invalid alert submission", http.StatusBadRequest)
			return
		}
		slog.Error("Failed to process alert", "error", err)
		http.Error(w, "Failed to process alert", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SubmitAlertResponse{
		Message: "alerta recebido",
		EventID: result.EventID,
	})
}

// decodeSubmission reads the request body. Older sender builds double-encode
// the payload as a JSON string containing JSON; both forms are accepted.
func decodeSubmission(r *http.Request) (SubmitAlertRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return SubmitAlertRequest{}, err
	}

	var req SubmitAlertRequest
	if err := json.Unmarshal(raw, &req); err == nil {
		return req, nil
	}

	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return SubmitAlertRequest{}, err
	}
	if err := json.Unmarshal([]byte(inner), &req); err != nil {
		return SubmitAlertRequest{}, err
	}
	return req, nil
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counters      metrics.Snapshot `json:"counters"`
}

// Status reports uptime and operational counters.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.stats != nil {
		resp.Counters = h.stats.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
