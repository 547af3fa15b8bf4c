package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/histoseg/platform/internal/adapter/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer in front of the
	// router; the upgrade itself accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS upgrades the request and pumps the realtime session until the
// client disconnects.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		slog.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	session := bus.NewSession(userID, conn)
	s.hub.Attach(session)
	session.Serve(r.Context(), s.hub)
}
