// Package bus implements the room-keyed realtime event bus over long-lived
// websocket sessions.
//
// Publication is fire-and-forget: the hub never persists, never retries,
// and never blocks a worker. A session that cannot keep up is dropped and
// reconciles over REST on reconnect.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
)

// AccessChecker authorizes a session joining a project room.
type AccessChecker func(ctx domain.Context, userID, projectID string) (bool, error)

// Hub owns room membership and fans events out to member sessions.
// It implements domain.Publisher.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.Room]map[*Session]struct{}

	access AccessChecker
	bridge *RedisBridge // nil when REDIS_URL is unset
}

// NewHub constructs a Hub. bridge may be nil.
func NewHub(access AccessChecker, bridge *RedisBridge) *Hub {
	h := &Hub{
		rooms:  map[domain.Room]map[*Session]struct{}{},
		access: access,
		bridge: bridge,
	}
	if bridge != nil {
		bridge.deliver = h.deliverLocal
	}
	return h
}

// Publish emits one event to every member of the room. The event is
// marshalled once; per-session delivery is a non-blocking buffered send so
// a slow consumer can never stall the producing worker.
func (h *Hub) Publish(room domain.Room, name string, payload any) {
	evt := domain.Event{Name: name, Payload: payload, At: time.Now().UTC()}
	raw, err := json.Marshal(evt)
	if err != nil {
		slog.Error("event marshal failed", slog.String("event", name), slog.Any("error", err))
		return
	}
	observability.BusEventsTotal.WithLabelValues(name).Inc()
	h.deliverLocal(room, raw)
	if h.bridge != nil {
		h.bridge.publish(room, raw)
	}
}

func (h *Hub) deliverLocal(room domain.Room, raw []byte) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if !s.enqueue(raw) {
			observability.BusDroppedTotal.Inc()
			slog.Warn("dropping slow realtime session",
				slog.String("user_id", s.userID),
				slog.String("room", string(room)))
			h.Detach(s)
			s.close()
		}
	}
}

// Attach registers a session and joins it to its own user room.
func (h *Hub) Attach(s *Session) {
	h.mu.Lock()
	h.join(domain.UserRoom(s.userID), s)
	h.mu.Unlock()
	observability.BusSessions.Inc()
}

// Detach removes the session from every room.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	removed := false
	for room, members := range h.rooms {
		if _, ok := members[s]; ok {
			delete(members, s)
			removed = true
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	if removed {
		observability.BusSessions.Dec()
	}
}

// Join subscribes the session to a room, enforcing access on project
// rooms. Export and batch rooms derive access from the enclosing project
// at the HTTP layer before the join request reaches the hub.
func (h *Hub) Join(ctx domain.Context, s *Session, room domain.Room) error {
	if projectID, ok := parseProjectRoom(room); ok && h.access != nil {
		allowed, err := h.access(ctx, s.userID, projectID)
		if err != nil {
			return err
		}
		if !allowed {
			return domain.ErrForbidden
		}
	}
	h.mu.Lock()
	h.join(room, s)
	h.mu.Unlock()
	return nil
}

// Leave unsubscribes the session from a room.
func (h *Hub) Leave(s *Session, room domain.Room) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) join(room domain.Room, s *Session) {
	members, ok := h.rooms[room]
	if !ok {
		members = map[*Session]struct{}{}
		h.rooms[room] = members
	}
	members[s] = struct{}{}
}

func parseProjectRoom(room domain.Room) (string, bool) {
	const prefix = "project:"
	r := string(room)
	if len(r) > len(prefix) && r[:len(prefix)] == prefix {
		return r[len(prefix):], true
	}
	return "", false
}
