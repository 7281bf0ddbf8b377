package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream sends the device view once on connect and again after every
// notification. Bursts collapse into a single message carrying the latest view.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := s.logger.With(zap.String("device", id), zap.String("remote_addr", r.RemoteAddr))
	logger.Debug("Stream client connected")

	changed := make(chan struct{}, 1)
	remove := sess.Coordinator().AddListener(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) //nolint:errcheck // surfaced by the write
		if err := conn.WriteJSON(newDeviceResponse(sess)); err != nil {
			logger.Debug("Stream write failed", zap.Error(err))
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-gone:
			logger.Debug("Stream client disconnected")
			return
		case <-r.Context().Done():
			return
		case <-changed:
			if !send() {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
