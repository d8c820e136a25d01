package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/logging"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
	// SSEFeedBuffer is how many events a client may fall behind before its
	// stream is closed.
	SSEFeedBuffer = 1024
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE frame holding data as JSON.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	// ResponseController reaches the flusher through middleware wrappers
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// eventScope is the subset of an event payload that names its session.
type eventScope struct {
	Properties struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	} `json:"properties"`
}

// eventSessionID returns the session an encoded event belongs to, or "" for
// process-wide events such as codex.exited.
func eventSessionID(payload []byte) string {
	var scope eventScope
	if err := json.Unmarshal(payload, &scope); err != nil {
		return ""
	}
	p := scope.Properties
	switch {
	case p.SessionID != "":
		return p.SessionID
	case p.Info != nil:
		return p.Info.SessionID
	case p.Part != nil:
		return p.Part.SessionID
	}
	return ""
}

// events streams the bus to the client. With ?sessionID= only that session's
// events and process-wide events are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	events, cancel, err := s.service.Bus().Feed(SSEFeedBuffer)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	connected := event.Event{Type: "server.connected", Data: map[string]any{}}
	if err := sse.writeEvent("message", connected); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			// Closed on shutdown or when this client fell behind.
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				logging.Debug().Err(err).Str("type", string(e.Type)).Msg("event not encodable")
				continue
			}
			if sessionID != "" {
				if owner := eventSessionID(payload); owner != "" && owner != sessionID {
					continue
				}
			}
			if err := sse.writeEvent("message", json.RawMessage(payload)); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
