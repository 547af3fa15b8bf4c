package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/domain"
)

func drain(t *testing.T, s *Session, n int) []domain.Event {
	t.Helper()
	events := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case raw := <-s.out:
			var evt domain.Event
			require.NoError(t, json.Unmarshal(raw, &evt))
			events = append(events, evt)
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestPublish_FIFOPerRoom(t *testing.T) {
	h := NewHub(nil, nil)
	s := NewSession("u1", nil)
	h.Attach(s)
	require.NoError(t, h.Join(context.Background(), s, domain.ProjectRoom("p1")))

	for i := 0; i < 5; i++ {
		h.Publish(domain.ProjectRoom("p1"), domain.EvtQueueStats, map[string]int{"seq": i})
	}
	events := drain(t, s, 5)
	for i, evt := range events {
		payload := evt.Payload.(map[string]any)
		assert.Equal(t, float64(i), payload["seq"])
	}
}

func TestPublish_RoomIsolation(t *testing.T) {
	h := NewHub(nil, nil)
	a := NewSession("u1", nil)
	b := NewSession("u2", nil)
	h.Attach(a)
	h.Attach(b)
	require.NoError(t, h.Join(context.Background(), a, domain.ProjectRoom("p1")))

	h.Publish(domain.ProjectRoom("p1"), domain.EvtProjectUpdate, nil)
	drain(t, a, 1)
	select {
	case <-b.out:
		t.Fatal("session outside the room received the event")
	default:
	}
}

func TestPublish_AttachJoinsUserRoom(t *testing.T) {
	h := NewHub(nil, nil)
	s := NewSession("u1", nil)
	h.Attach(s)

	h.Publish(domain.UserRoom("u1"), domain.EvtDashboardMetrics, nil)
	events := drain(t, s, 1)
	assert.Equal(t, domain.EvtDashboardMetrics, events[0].Name)
}

func TestPublish_DropsSlowSession(t *testing.T) {
	h := NewHub(nil, nil)
	s := NewSession("u1", nil)
	h.Attach(s)
	require.NoError(t, h.Join(context.Background(), s, domain.ProjectRoom("p1")))

	for i := 0; i < sendBuffer+1; i++ {
		h.Publish(domain.ProjectRoom("p1"), domain.EvtQueueStats, nil)
	}

	select {
	case <-s.done:
	default:
		t.Fatal("slow session was not closed")
	}
	h.mu.RLock()
	_, member := h.rooms[domain.ProjectRoom("p1")][s]
	h.mu.RUnlock()
	assert.False(t, member)
}

func TestJoin_EnforcesProjectAccess(t *testing.T) {
	access := func(_ domain.Context, userID, projectID string) (bool, error) {
		return userID == "owner", nil
	}
	h := NewHub(access, nil)

	owner := NewSession("owner", nil)
	stranger := NewSession("stranger", nil)
	h.Attach(owner)
	h.Attach(stranger)

	require.NoError(t, h.Join(context.Background(), owner, domain.ProjectRoom("p1")))
	err := h.Join(context.Background(), stranger, domain.ProjectRoom("p1"))
	require.ErrorIs(t, err, domain.ErrForbidden)

	// Non-project rooms bypass the checker.
	require.NoError(t, h.Join(context.Background(), stranger, domain.ExportRoom("e1")))
}

func TestLeave_StopsDelivery(t *testing.T) {
	h := NewHub(nil, nil)
	s := NewSession("u1", nil)
	h.Attach(s)
	require.NoError(t, h.Join(context.Background(), s, domain.ProjectRoom("p1")))
	h.Leave(s, domain.ProjectRoom("p1"))

	h.Publish(domain.ProjectRoom("p1"), domain.EvtProjectUpdate, nil)
	select {
	case <-s.out:
		t.Fatal("received event after leaving the room")
	default:
	}
}

func TestBridge_FansOutAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bridgeA := NewRedisBridge(rdbA)
	defer bridgeA.Close()
	bridgeB := NewRedisBridge(rdbB)
	defer bridgeB.Close()

	hubA := NewHub(nil, bridgeA)
	hubB := NewHub(nil, bridgeB)

	remote := NewSession("u1", nil)
	hubB.Attach(remote)
	require.NoError(t, hubB.Join(context.Background(), remote, domain.ProjectRoom("p1")))

	// Give the subscriber loops a moment to register.
	require.Eventually(t, func() bool {
		hubA.Publish(domain.ProjectRoom("p1"), domain.EvtProjectUpdate, nil)
		select {
		case <-remote.out:
			return true
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}
