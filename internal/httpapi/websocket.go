package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/metrics"
	"github.com/metaboqa/orchestrator/internal/pipeline"
	"github.com/metaboqa/orchestrator/internal/streamer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// RegisterWebSocket registers the /query/ws endpoint.
func (h *Handler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/query/ws", h.handleQueryWS)
}

// handleQueryWS answers a single question over a websocket. The client
// sends one JSON message {"question": "...", "session_id": "..."} and
// receives each frame as a JSON message, ending with a close frame.
func (h *Handler) handleQueryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(8192)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var req queryRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(streamer.Frame{Section: streamer.SectionError, Text: "invalid request"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		_ = conn.WriteJSON(streamer.Frame{Section: streamer.SectionError, Text: "question required"})
		return
	}

	ctx := r.Context()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

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

	// Reader pump (discard further client messages, service pongs)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, open := <-frames:
			if !open {
				if err := <-errc; err != nil {
					h.logger.Warn("Pipeline run failed",
						zap.String("session_id", req.SessionID),
						zap.Error(err))
				}
				deadline := time.Now().Add(5 * time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
			metrics.FramesEmitted.WithLabelValues(f.Section).Inc()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
