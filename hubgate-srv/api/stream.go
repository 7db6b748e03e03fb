package api

import (
	"net/http"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = streamPingPeriod + 10*time.Second
)

// handleAuditStream pushes audit events to the console as JSON text frames
// until either side goes away.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit stream not available")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logger.Debug("Audit stream upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	events, cancel := s.broadcaster.Subscribe(streamBuffer)
	defer cancel()
	logger.Debug("Audit stream opened for %s", r.RemoteAddr)

	// The read side only handles control frames and notices a close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Audit stream to %s closed: %v", r.RemoteAddr, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-done:
			logger.Debug("Audit stream closed by %s", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
