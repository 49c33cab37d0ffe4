package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/run"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	streamBuffer = 256
)

// StreamMessage is one frame on the events WebSocket. The first frame is a
// snapshot; later frames carry events.
type StreamMessage struct {
	Type   string            `json:"type"` // "snapshot" or "event"
	Report *run.StatusReport `json:"report,omitempty"`
	Event  *events.Event     `json:"event,omitempty"`
}

// GET /runs/{id}/events
//
// Streams the run's events until it ends or the client goes away. The
// connection is closed after a terminal event, or right after the snapshot
// when the run has already finished.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Subscribe first so nothing between the snapshot and the stream is lost.
	sub := s.runs.Bus().Subscribe(streamBuffer, events.ForRun(id))
	defer sub.Close()

	report, err := s.runs.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldRunID, id, logger.FieldError, err)
		return
	}
	defer conn.Close()
	log := s.logger.With(logger.FieldRunID, id, "remote", r.RemoteAddr)
	log.Debugw("Event stream opened")

	closed := make(chan struct{})
	go readPump(conn, closed)

	if err := writeFrame(conn, StreamMessage{Type: "snapshot", Report: report}); err != nil {
		return
	}
	if report.Status.Terminal() {
		closeStream(conn, "run finished")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(conn, StreamMessage{Type: "event", Event: &e}); err != nil {
				log.Debugw("Event stream write failed", logger.FieldError, err)
				return
			}
			if e.Type.Terminal() {
				closeStream(conn, "run finished")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debugw("Event stream closed by client", "dropped", sub.Dropped())
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readPump discards client frames and closes done when the peer goes away
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeStream(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
