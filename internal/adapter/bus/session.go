package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/histoseg/platform/internal/domain"
)

const (
	// sendBuffer bounds the per-session outbox; a session this far behind
	// is dropped rather than blocking producers.
	sendBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Session is one connected realtime client.
type Session struct {
	userID string
	conn   *websocket.Conn
	out    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded websocket connection for the given user.
func NewSession(userID string, conn *websocket.Conn) *Session {
	return &Session{
		userID: userID,
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// UserID returns the authenticated user behind the session.
func (s *Session) UserID() string { return s.userID }

// enqueue offers a frame to the session without blocking. A false return
// means the outbox is full.
func (s *Session) enqueue(raw []byte) bool {
	select {
	case s.out <- raw:
		return true
	case <-s.done:
		return true // already closing; pretend delivered, nothing to do
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// clientMessage is the inbound control frame: clients join and leave rooms
// on demand.
type clientMessage struct {
	Action string `json:"action"` // join | leave
	Room   string `json:"room"`
}

// Serve pumps the connection until it drops. It blocks; the HTTP handler
// calls it after upgrading and attaching the session.
func (s *Session) Serve(ctx domain.Context, hub *Hub) {
	defer func() {
		hub.Detach(s)
		s.close()
	}()

	go s.writePump()

	s.conn.SetReadLimit(4 * 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("session read error", slog.String("user_id", s.userID), slog.Any("error", err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "join":
			if err := hub.Join(ctx, s, domain.Room(msg.Room)); err != nil {
				s.sendError(err)
			}
		case "leave":
			hub.Leave(s, domain.Room(msg.Room))
		}
	}
}

func (s *Session) sendError(err error) {
	evt := domain.Event{Name: domain.EvtError, Payload: domain.NewEventError(err), At: time.Now().UTC()}
	if raw, merr := json.Marshal(evt); merr == nil {
		_ = s.enqueue(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case raw := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
