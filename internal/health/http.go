package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	overall := h.manager.GetOverallHealth(r.Context())

	statusCode := http.StatusOK
	if overall.Status == StatusUnhealthy || overall.Status == StatusUnknown {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, statusCode, map[string]any{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"timestamp": overall.Timestamp.Unix(),
		"degraded":  overall.Degraded,
		"ready":     overall.Ready,
		"live":      overall.Live,
	})
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsReady(r.Context()) {
		h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsLive(r.Context()) {
		h.writeJSON(w, http.StatusOK, map[string]any{"live": true})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"live": false})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	detailed := h.manager.GetDetailedHealth(r.Context())
	statusCode := http.StatusOK
	if detailed.Overall.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, statusCode, detailed)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
