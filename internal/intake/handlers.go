package intake

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"pulsegate/internal/event"
	"pulsegate/internal/intake/healthgate"
	"pulsegate/internal/platform/middleware/correlation"
	"pulsegate/internal/stats"
)

const (
	maxBodyBytes = 1 << 20

	// What clients are told to wait when the processor reports pressure.
	throttleRetryAfterSeconds = 30
)

// Handler owns the HTTP surface: event submission plus the dashboard reads.
type Handler struct {
	svc    *Service
	gate   *healthgate.Gate
	stats  *stats.Service
	logger *slog.Logger
}

func NewHandler(svc *Service, gate *healthgate.Gate, statsSvc *stats.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, gate: gate, stats: statsSvc, logger: logger}
}

type acceptedResponse struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId"`
}

type batchResponse struct {
	Accepted int `json:"accepted"`
	Total    int `json:"total"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SubmitEvent handles POST /api/events.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	if h.gate.IsThrottled() {
		h.svc.metrics.recordReject(RejectThrottle)
		writeThrottled(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "unreadable body"})
		return
	}

	ev, err := event.DecodeAny(body)
	if err != nil {
		h.svc.metrics.recordReject(RejectDecode)
		h.stats.RecordFailure()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "InvalidEvent", Message: err.Error()})
		return
	}
	ev.CorrelationID = correlation.FromContext(r.Context())

	if err := h.svc.Accept(r.Context(), ev); err != nil {
		h.logger.Error("event rejected at publish", "eventId", ev.EventID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "PublishFailed"})
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ID:            ev.EventID,
		CorrelationID: ev.CorrelationID,
	})
}

// SubmitBatch handles POST /api/events/batch. Items are independent: a bad
// item is skipped and the rest still land.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	if h.gate.IsThrottled() {
		h.svc.metrics.recordReject(RejectThrottle)
		writeThrottled(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "unreadable body"})
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "expected a JSON array"})
		return
	}

	correlationID := correlation.FromContext(r.Context())
	accepted := 0
	for _, raw := range items {
		ev, err := event.DecodeAny(raw)
		if err != nil {
			h.svc.metrics.recordReject(RejectDecode)
			h.stats.RecordFailure()
			h.logger.Warn("batch item rejected", "error", err)
			continue
		}
		ev.CorrelationID = correlationID
		if err := h.svc.Accept(r.Context(), ev); err != nil {
			h.logger.Error("batch item publish failed", "eventId", ev.EventID, "error", err)
			continue
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, batchResponse{Accepted: accepted, Total: len(items)})
}

// Dashboard reads.

func (h *Handler) DashboardStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *Handler) DashboardDetailedStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.DetailedSnapshot())
}

func (h *Handler) DashboardAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Alerts())
}

func (h *Handler) DashboardTopUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.TopUsers())
}

func (h *Handler) DashboardAuditLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.RecentEvents())
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeThrottled(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(throttleRetryAfterSeconds))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:   "SystemBusy",
		Message: "processing is under pressure, retry later",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
