// Package webhook implements the HTTP ingress surface (C5/C6): a bounded
// JSON POST handler wrapping the webhook lifecycle and per-request dispatch
// pipeline described for the /ci-storage endpoint.
package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ci-scaler/internal/apperror"
	"ci-scaler/internal/logger"
	"ci-scaler/internal/metrics"
)

const maxBodyBytes = 1 << 20 // 1 MiB, generous ceiling for a GitHub webhook delivery

// Handler adapts Core to net/http, bounding and parsing the request body
// and converting Core's (status, response, error) into an HTTP response,
// mirroring PostJsonHttpRequestHandler's do_POST/send_json/send_error shape.
type Handler struct {
	Core *Core
}

func NewHandler(core *Core) *Handler {
	return &Handler{Core: core}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "only POST is supported"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body too large or unreadable"})
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	start := time.Now()
	result := h.Core.Handle(r.Context(), payload, body, r.RemoteAddr, r.URL.Path, r.Header.Get(signatureHeader))
	duration := time.Since(start)

	status := result.Status
	if status == 0 {
		status = apperror.HTTPStatusFor(result.Err)
	}

	event := result.Event
	if event == "" {
		event = "other"
	}
	metrics.Get().RecordWebhookRequest(event, fmt.Sprintf("%d", status), duration)

	body2 := result.Body
	if body2 == nil {
		if result.Err != nil {
			body2 = map[string]string{"error": result.Err.Error()}
		} else {
			body2 = map[string]string{"message": result.Message}
		}
	}

	if result.Err != nil && status >= 500 {
		logger.Log.Error("webhook request failed", "error", result.Err, "path", r.URL.Path)
	}
	logger.Log.Info("webhook request", "method", r.Method, "path", r.URL.Path, "status", status, "size", len(body), "suffix", result.LogSuffix)

	writeJSON(w, status, body2)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
