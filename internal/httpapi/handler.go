package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/memory"
	"github.com/metaboqa/orchestrator/internal/metrics"
	"github.com/metaboqa/orchestrator/internal/pipeline"
	"github.com/metaboqa/orchestrator/internal/streamer"
)

const heartbeatInterval = 15 * time.Second

// Handler serves the question-answering endpoints: an SSE stream for
// plain HTTP clients, a websocket variant, and session management.
type Handler struct {
	pipe     *pipeline.Pipeline
	sessions *memory.Store
	logger   *zap.Logger
}

func NewHandler(pipe *pipeline.Pipeline, sessions *memory.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pipe: pipe, sessions: sessions, logger: logger}
}

// RegisterRoutes registers all query routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/query", h.handleQuery)
	mux.HandleFunc("/sessions", h.handleSessions)
	mux.HandleFunc("/sessions/", h.handleSession)
	h.RegisterWebSocket(mux)
}

type queryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// handleQuery streams pipeline frames via Server-Sent Events.
// POST /query with body {"question": "...", "session_id": "..."}
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, `{"error":"question required"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	// Send an initial comment to establish the stream
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	frames := make(chan streamer.Frame, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		errc <- h.pipe.Run(ctx, pipeline.Request{
			Question:  req.Question,
			SessionID: req.SessionID,
		}, func(f streamer.Frame) {
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		})
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected",
				zap.String("session_id", req.SessionID))
			return
		case f, open := <-frames:
			if !open {
				if err := <-errc; err != nil {
					h.logger.Warn("Pipeline run failed",
						zap.String("session_id", req.SessionID),
						zap.Error(err))
				}
				return
			}
			if _, err := w.Write(f.SSE()); err != nil {
				return
			}
			flusher.Flush()
			metrics.FramesEmitted.WithLabelValues(f.Section).Inc()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleSessions creates a new conversation session.
// POST /sessions -> {"session_id": "..."}
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.sessions == nil {
		http.Error(w, `{"error":"session store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	id, err := h.sessions.CreateSession(r.Context())
	if err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		http.Error(w, `{"error":"failed to create session"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// handleSession clears a session's stored turns.
// DELETE /sessions/{id}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.sessions == nil {
		http.Error(w, `{"error":"session store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, `{"error":"session id required"}`, http.StatusBadRequest)
		return
	}
	existed, err := h.sessions.Clear(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to clear session", zap.String("session_id", id), zap.Error(err))
		http.Error(w, `{"error":"failed to clear session"}`, http.StatusInternalServerError)
		return
	}
	if !existed {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
