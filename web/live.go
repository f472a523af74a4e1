package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wispberry-tech/travelease/gate"
)

const liveWriteTimeout = 10 * time.Second

// handleLive streams gate verdicts for a mounted view over a websocket until
// access is denied or the visitor goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	path := gate.SanitizePath(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "path must be a local path")
		return
	}
	store := mustStore(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Live view upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The visitor never sends anything; reading detects the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("Live view opened", "client_id", store.ClientID(), "path", path)
	for v := range s.gate.Watch(ctx, store, path) {
		conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			slog.Debug("Live view write failed", "client_id", store.ClientID(), "error", err)
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	slog.Debug("Live view closed", "client_id", store.ClientID(), "path", path)
}
