package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradesys/botkeeper/pkg/logger"
)

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// token auth already ran in the middleware; the origin adds nothing for a
	// local control plane
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatusWS pushes a full status report on connect and then on every
// tick until the peer goes away.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	defer conn.Close()

	interval := parseDurationEnv("BOTKEEPER_WS_PUSH_INTERVAL", 2*time.Second)

	done := make(chan struct{})
	go func() {
		// drain incoming frames so control messages are processed and a
		// closing peer is noticed
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debugf("status ws closed: %v", err)
				}
				return
			}
		}
	}()

	send := func() error {
		report := s.mgr.StatusAll()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(report)
	}
	if err := send(); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}
