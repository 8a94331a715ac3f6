package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/browsertest/pkg/bus"
	"github.com/odvcencio/browsertest/pkg/progress"
)

// ProgressMessage is pushed over the per-test WebSocket.
type ProgressMessage struct {
	Type      string     `json:"type"` // progress, result
	Timestamp time.Time  `json:"timestamp"`
	Status    TestStatus `json:"status"`
}

// handleStream provides an SSE stream of run events from the bus.
// ?test_id= narrows the stream to one run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.eventBus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	subject := bus.AllRuns
	if id := r.URL.Query().Get("test_id"); id != "" {
		subject = bus.RunSubjects(id)
	}

	ctx := r.Context()
	events := make(chan bus.Event, 128)
	sub, err := s.eventBus.Subscribe(ctx, subject, func(msg *bus.Message) {
		event, err := bus.DecodeEvent(msg)
		if err != nil {
			s.log.Warn("dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		select {
		case events <- event:
		default:
			// Drop if channel full
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe: "+err.Error())
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "", "connected", map[string]string{"subject": subject}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-events:
			if err := writeSSE(w, event.ID, string(event.Type), event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// handleProgressSocket pushes progress entries for one test until its
// terminal Result has been sent, then closes the connection.
func (s *Server) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	entry, err := s.orch.Poll(r.Context(), testID)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		// Accept has already written the handshake failure.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	// Client messages are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if entry.Terminal() {
		s.sendEntry(ctx, conn, testID, entry)
		conn.Close(websocket.StatusNormalClosure, "test finished")
		return
	}

	updates, cancel := s.orch.Tracker().Subscribe(testID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				// Terminal entry delivered, or the entry was evicted.
				conn.Close(websocket.StatusNormalClosure, "test finished")
				return
			}
			if err := s.sendEntry(ctx, conn, testID, e); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendEntry(ctx context.Context, conn *websocket.Conn, testID string, entry progress.Entry) error {
	msgType := "progress"
	if entry.Terminal() {
		msgType = "result"
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ProgressMessage{
		Type:      msgType,
		Timestamp: s.now().UTC(),
		Status:    statusFromEntry(testID, entry),
	})
}
